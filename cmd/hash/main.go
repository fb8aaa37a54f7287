// Package main is a utility for generating the administrator token used to
// authorize backup restores. The engine stores only the bcrypt hash of the
// token, never the raw value, so this tool generates a random token, prints
// it once, and prints the hash to put in backup.admin_token_hash (or the
// CLS_BACKUP_ADMIN_TOKEN_HASH environment variable).
package main

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log"
	"os"

	"golang.org/x/crypto/bcrypt"
)

func main() {
	token := ""
	if len(os.Args) > 1 {
		// Hash an operator-chosen token instead of generating one.
		token = os.Args[1]
	} else {
		randomBytes := make([]byte, 32)
		if _, err := rand.Read(randomBytes); err != nil {
			log.Fatal(err)
		}
		token = "aud_" + base64.RawURLEncoding.EncodeToString(randomBytes)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		log.Fatal(err)
	}

	fmt.Println("==========================================================")
	fmt.Println("Backup Restore Administrator Token")
	fmt.Println("==========================================================")
	fmt.Printf("\nToken (pass in X-Admin-Token): %s\n", token)
	fmt.Printf("\nCLS_BACKUP_ADMIN_TOKEN_HASH=%s\n", string(hash))
	fmt.Println("\nStore only the hash. The raw token is shown once.")
}
