// Command srcset produces and serves resized derivatives of content-addressed
// images.
package main

import "github.com/meigma/srcset/internal/cli"

func main() {
	cli.Execute()
}
