// roomtoken mints and inspects room tokens with a shared server key.
// Ops and test tooling; the server itself only verifies.
package main

import (
	"encoding/base64"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/udisondev/stagehub/internal/token"
)

func main() {
	var (
		keyHex    = flag.String("key", "", "hex-encoded 32-byte token key (required)")
		inspect   = flag.String("inspect", "", "base64 token to inspect instead of minting")
		accountID = flag.Int64("account", 0, "account id")
		stageID   = flag.Int64("stage", token.StageCreate, "stage id to join, or -1 to create a new stage")
		stageType = flag.String("type", "Echo", "stage type for created stages")
		userInfo  = flag.String("info", "", "opaque user_info string")
		ttl       = flag.Duration("ttl", 5*time.Minute, "token validity window")
	)
	flag.Parse()

	if *keyHex == "" {
		fmt.Fprintln(os.Stderr, "missing -key")
		flag.Usage()
		os.Exit(2)
	}
	key, err := hex.DecodeString(*keyHex)
	if err != nil {
		fatal("decoding key: %v", err)
	}
	verifier, err := token.NewVerifier(key)
	if err != nil {
		fatal("%v", err)
	}

	if *inspect != "" {
		blob, err := base64.StdEncoding.DecodeString(*inspect)
		if err != nil {
			fatal("decoding token: %v", err)
		}
		claims, err := verifier.Verify(blob, time.Now())
		if err != nil {
			fatal("verify: %v", err)
		}
		fmt.Printf("account_id: %d\n", claims.AccountID)
		if claims.StageID == token.StageCreate {
			fmt.Printf("stage:      create new %q\n", claims.StageType)
		} else {
			fmt.Printf("stage:      %d\n", claims.StageID)
		}
		fmt.Printf("user_info:  %q\n", claims.UserInfo)
		fmt.Printf("valid:      %s .. %s\n", claims.NotBefore.Format(time.RFC3339), claims.NotAfter.Format(time.RFC3339))
		return
	}

	if *accountID == 0 {
		fatal("missing -account")
	}

	now := time.Now()
	blob, err := verifier.Seal(token.Claims{
		AccountID: *accountID,
		StageID:   *stageID,
		StageType: *stageType,
		UserInfo:  []byte(*userInfo),
		NotBefore: now,
		NotAfter:  now.Add(*ttl),
	})
	if err != nil {
		fatal("seal: %v", err)
	}
	fmt.Println(base64.StdEncoding.EncodeToString(blob))
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
