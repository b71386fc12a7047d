// Command genhash prints the bcrypt hash to use as OPERATOR_SECRET_HASH.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

func main() {
	secret := ""
	if len(os.Args) > 1 {
		secret = os.Args[1]
	} else {
		fmt.Fprint(os.Stderr, "operator secret: ")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			fmt.Fprintln(os.Stderr, "read secret:", err)
			os.Exit(1)
		}
		secret = strings.TrimRight(line, "\r\n")
	}
	if len(secret) < 12 {
		fmt.Fprintln(os.Stderr, "secret must be at least 12 characters")
		os.Exit(1)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		fmt.Fprintln(os.Stderr, "hash:", err)
		os.Exit(1)
	}
	fmt.Println(string(hash))
}
