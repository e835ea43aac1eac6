// Command comfy-pod boots ComfyUI and its sidecar inside a pod, and can run
// a local mock of the hosting provider's pod API.
package main

func main() {
	Execute()
}
