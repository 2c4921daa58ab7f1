// Command genkey prints a fresh master key and, on request, a bearer token
// signed with the configured JWT settings.
//
//	genkey
//	genkey -subject lect-1 -role lecturer
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/Mid-D-Man/AirCode-sub001/internal/auth"
	"github.com/Mid-D-Man/AirCode-sub001/internal/codec"
	"github.com/Mid-D-Man/AirCode-sub001/internal/config"
)

func main() {
	subject := flag.String("subject", "", "issue a token for this lecturer id or matric number")
	role := flag.String("role", auth.RoleLecturer, "token role: lecturer or student")
	flag.Parse()

	if err := run(os.Stdout, config.Load(), *subject, *role); err != nil {
		log.Fatal(err)
	}
}

func run(w io.Writer, cfg config.App, subject, role string) error {
	key, err := codec.GenerateKey()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "MASTER_KEY_HEX=%s\n", hex.EncodeToString(key))
	if subject == "" {
		return nil
	}
	signer := auth.Signer{
		Issuer:     cfg.JWTIssuer,
		Key:        []byte(cfg.JWTSigningKey),
		AccessTTL:  cfg.AccessTTL,
		RefreshTTL: cfg.RefreshTTL,
	}
	pair, err := signer.Issue(subject, role)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "ACCESS_TOKEN=%s\nREFRESH_TOKEN=%s\n", pair.AccessToken, pair.RefreshToken)
	return nil
}
