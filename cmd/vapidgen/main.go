// Command vapidgen prints a fresh VAPID key pair for web push.
package main

import (
	"flag"
	"fmt"
	"os"

	"socialchat/logger"

	"github.com/SherClockHolmes/webpush-go"
)

func main() {
	subscriber := flag.String("subscriber", "mailto:admin@example.com", "contact URI sent to push services")
	flag.Parse()

	log, err := logger.New(logger.Config{Development: true})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	privateKey, publicKey, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		log.Fatalw("failed to generate VAPID keys", "error", err)
	}

	fmt.Println("# add to .env")
	fmt.Printf("PUSH_VAPID_PUBLIC_KEY=%s\n", publicKey)
	fmt.Printf("PUSH_VAPID_PRIVATE_KEY=%s\n", privateKey)
	fmt.Printf("PUSH_SUBSCRIBER=%s\n", *subscriber)
}
