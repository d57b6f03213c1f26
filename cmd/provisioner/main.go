// Command provisioner ensures the crawler's MongoDB principal, collections and
// indexes exist. Run without arguments it performs one bootstrap and exits,
// which is the contract expected from a container init step.
package main

func main() {
	Execute()
}
