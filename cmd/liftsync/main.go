// liftsync - Spacelift to software catalog sync
// Fetch. Map. Upsert.
package main

func main() {
	Execute()
}
