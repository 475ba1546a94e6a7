// flowrpc-keygen writes a CURVE key pair for the ZeroMQ broker channel.
package main

import (
	"flag"
	"fmt"
	"os"

	smgr "github.com/dermesser/flowrpc/securitymanager"
)

func main() {
	var pubfile, privfile string

	flag.StringVar(&pubfile, "pub", "publickey.txt", "File to write public key to.")
	flag.StringVar(&privfile, "priv", "privatekey.txt", "File to write private key to.")

	flag.Parse()

	fmt.Println("Generating key pair...")

	// Publisher and subscriber pairs are alike.
	mgr, err := smgr.NewClientSecurityManager()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := mgr.WriteKeys(pubfile, privfile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println("Wrote", pubfile, "and", privfile)
}
