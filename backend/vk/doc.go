// Package vk provides the Vulkan backend for the sched scheduler,
// built on the vulkan-go bindings.
//
// Split barriers map onto VkEvents: the Begin half of a pair signals an
// event at the producing command and the End half waits on it with the
// actual memory barriers, which lets the driver overlap unrelated work
// inside the window. Immediate transitions become a single
// vkCmdPipelineBarrier per barrier batch.
//
// The package owns an explicit [Instance]; there is no process-wide
// cached enumeration state. Callers order construction: load the Vulkan
// loader (vk.SetGetInstanceProcAddr + vk.Init), then create the device.
//
// Importing the package registers it under the name "vk":
//
//	import _ "github.com/gogpu/sched/backend/vk"
//
// Dispatch descriptor tables currently bind buffer entries; texture
// entries in tables require image-view plumbing.
// TODO: create VkImageViews per table texture and bind them as storage
// images.
package vk
