// Package hal defines the hardware abstraction layer consumed by the
// sched work scheduler.
//
// This package plays the role that a driver interface plays in other GPU
// stacks: the scheduler core plans work (barriers, transient allocations,
// fence timelines) in terms of the types defined here, and a backend
// package translates those primitives into a concrete graphics API.
//
// Three backends ship with the module:
//   - backend/vk: Vulkan via vulkan-go (split barriers become events)
//   - backend/webgpu: the gogpu/wgpu HAL (wgpu-native; D3D12 on Windows)
//   - backend/soft: an in-process software device used by tests
//
// # Architecture
//
//	            +------------------+
//	            |      sched       |
//	            | (bundle builder, |
//	            |  queues, pools)  |
//	            +--------+---------+
//	                     |
//	          +----------+----------+
//	          |          |          |
//	   +------v---+ +----v-----+ +--v-------+
//	   |backend/vk| | backend/ | | backend/ |
//	   |          | |  webgpu  | |   soft   |
//	   +----------+ +----------+ +----------+
//
// # Resource Management
//
// GPU resources are referenced via opaque IDs ([BufferID], [TextureID],
// [ShaderID]). Backends own the mapping between IDs and native objects.
// IDs become invalid after destruction and must not be reused.
//
// # Backend Registration
//
// Backends register themselves by name from an init function, following
// the database/sql driver pattern. The binary selects a backend at build
// time by importing the corresponding package:
//
//	import _ "github.com/gogpu/sched/backend/vk"
//
//	dev, err := hal.New("vk")
package hal
