package main

import (
	"log"

	"txqueue/services/txqueued"
)

func main() {
	if err := txqueued.Main(); err != nil {
		log.Fatalf("txqueued: %v", err)
	}
}
