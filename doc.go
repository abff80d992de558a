// Copyright ©2019 The Gonum Authors. All rights reserved.
// Copyright ©2024 The GUDA Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package gudart provides a CUDA-shaped compute runtime executed on the CPU.
//
// It exposes the host-side API surface of a GPU runtime: device enumeration,
// device, managed and page-locked host memory, peer access, streams, events,
// graph capture and replay, and kernel launch. Devices are simulated on top
// of the host cores, so code written against the runtime runs anywhere.
//
// State that vendor runtimes keep per process, such as the current device and
// the default stream, is held by an explicit Context:
//
//	ctx, err := gudart.NewContext(gudart.WithDevices(2))
//	if err != nil {
//		return err
//	}
//	defer ctx.Destroy()
//
//	d_a, _ := ctx.Malloc(n * 4) // n float32s
//	ctx.Memcpy(d_a, h_a, n*4, gudart.MemcpyHostToDevice)
//
//	scale, _ := ctx.RegisterFunction("scale", scaleKernel)
//	grid := gudart.Dim3{X: (n + 255) / 256}
//	block := gudart.Dim3{X: 256}
//	ctx.LaunchKernel(scale, grid, block, 0, nil, d_a, n)
//
// Every operation returns a *Error carrying a Status numbered like the CUDA
// runtime. Work on a stream runs asynchronously in issue order; failures of
// asynchronous work are reported by the next synchronization.
package gudart
