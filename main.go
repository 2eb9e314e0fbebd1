package main

import (
	"github.com/Manu343726/chinche/cmd"
)

func main() {
	cmd.Execute()
}
