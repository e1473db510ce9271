package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"tractfit/pkg/fitter"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		// input errors exit with code 2
		if fitter.IsInputError(err) {
			log.Printf("Fit rejected: %v", err)
			os.Exit(2)
		}
		log.Fatalf("Error executing command: %v", err)
	}
}
