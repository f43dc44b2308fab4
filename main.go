// The main package for the clipbrief executable.
package main

import "github.com/JakeFAU/clipbrief/cmd"

func main() {
	cmd.Execute()
}
