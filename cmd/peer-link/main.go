package main

import (
	_ "github.com/ReesavGupta/peer-link/internal/app"
)

func main() {}
