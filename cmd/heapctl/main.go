// Command heapctl drives the managed heap and its scheduler: it runs
// allocation workloads, stress-tests the collector and prints the
// effective configuration.
package main

func main() {
	Execute()
}
