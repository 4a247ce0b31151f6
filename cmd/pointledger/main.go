package main

import (
	"github.com/talx-hub/point-ledger/internal/service"
)

func main() {
	service.Run()
}
