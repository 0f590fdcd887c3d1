// Copyright 2023 The PlexFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package proto

const ReqIdKey = "req-id"

type (
	Ino = uint64
	Seq = uint64
)

// AllocCategory separates the local batch pools: directories draw from
// their own pool so their items cluster in the key space.
type AllocCategory int

const (
	AllocCategoryFile AllocCategory = iota
	AllocCategoryDir
)
