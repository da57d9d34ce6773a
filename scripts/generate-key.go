//go:build ignore

// generate-key prints a random JWT signing secret suitable for
// SHB_AUTH_JWT_SECRET. Run with: go run scripts/generate-key.go
package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
)

func main() {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		log.Fatal(err)
	}
	secret := hex.EncodeToString(b)

	fmt.Println("==========================================================")
	fmt.Println("JWT signing secret generated")
	fmt.Println("==========================================================")
	fmt.Printf("\nexport SHB_AUTH_JWT_SECRET=%s\n\n", secret)
	fmt.Println("Changing the secret invalidates every issued session token.")
	fmt.Println("==========================================================")
}
