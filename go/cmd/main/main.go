package main

import (
	"github.com/lunixbochs/binscope/go/cmd"

	_ "github.com/lunixbochs/binscope/go/cmd/analyze"
	_ "github.com/lunixbochs/binscope/go/cmd/show"
)

func main() { cmd.Main() }
