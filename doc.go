// Package sched schedules GPU compute work.
//
// sched ingests batches of user-authored command lists describing GPU
// compute work and turns them into validated, barrier-annotated
// execution plans, then submits those plans to a graphics backend and
// surfaces CPU-side readback once the GPU work has retired.
//
// # Pipeline
//
// A caller records commands into one or more [CommandList] values,
// finalizes them, and hands the batch to [Device.Schedule]:
//
//	lists (1..n) -> builder -> WorkBundle -> pools + queue -> backend -> fence
//
// The builder parses each list's binary command blob against the
// resource registry, tracking the GPU pipeline state of every touched
// resource across the whole batch. Where states change it synthesizes
// barriers: immediate transitions when the producer is adjacent, and
// split begin/end pairs when a gap of at least two commands (or a list
// boundary) gives the driver room to overlap unrelated work.
//
// A successful build yields a [WorkHandle]. Submission allocates
// transient memory (upload heap ranges, descriptor tables) from
// fence-gated ring pools, records native command buffers through the
// backend, signals a fence, and commits the bundle's final resource
// states to the registry. [Device.WaitOnCPU] blocks on that fence;
// afterwards [Device.GetDownloadStatus] exposes readback memory, mapped
// straight from the downloaded CpuRead resource.
//
// # Backends
//
// The scheduler core is backend-agnostic; it talks to the graphics API
// through the [github.com/gogpu/sched/hal] contract. Import a backend
// package for its side-effect registration and name it in
// [DeviceConfig.Backend]:
//
//	import _ "github.com/gogpu/sched/backend/vk"
//
//	dev, err := sched.NewDevice(&sched.DeviceConfig{Backend: "vk"})
//
// # Concurrency
//
// A CommandList belongs to the goroutine recording it. Everything on
// Device is safe for concurrent use: builds take a read lock on the
// registry, state commits take the write lock, and the bundle container
// is guarded by its own mutex. CPU/GPU synchronization is exclusively
// via fences; in-flight work cannot be cancelled once submitted.
package sched
