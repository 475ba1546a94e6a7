package securitymanager

import (
	"os"
	"strings"

	"github.com/juju/errors"
)

// Length of a Z85 encoded CURVE key.
const keyLength = 40

// keyPair is embedded in both security managers and provides loading and writing of the
// key pair from and to files.
type keyPair struct {
	public, private string
}

/*
LoadKeys reads the public and private key from the given files. A file name of DONOTREAD leaves
the corresponding key untouched, e.g. to load only a private key after SetKeys().
*/
func (kp *keyPair) LoadKeys(publicFile, privateFile string) error {
	if publicFile != DONOTREAD {
		k, err := readKey(publicFile)
		if err != nil {
			return errors.Annotate(err, "public key")
		}
		kp.public = k
	}
	if privateFile != DONOTREAD {
		k, err := readKey(privateFile)
		if err != nil {
			return errors.Annotate(err, "private key")
		}
		kp.private = k
	}
	return nil
}

func readKey(filename string) (string, error) {
	content, err := os.ReadFile(filename)
	if err != nil {
		return "", errors.Trace(err)
	}
	key := strings.TrimSpace(string(content))
	if len(key) != keyLength {
		return "", errors.NotValidf("key in %q (%d characters)", filename, len(key))
	}
	return key, nil
}

/*
WriteKeys writes the key pair to the given files, with mode 0600. A file name of DONOTWRITE skips
the corresponding key, e.g. mgr.WriteKeys("broker.pub", DONOTWRITE) writes only the public key.
*/
func (kp *keyPair) WriteKeys(publicFile, privateFile string) error {
	if publicFile != DONOTWRITE {
		if err := writeKey(publicFile, kp.public); err != nil {
			return errors.Annotate(err, "public key")
		}
	}
	if privateFile != DONOTWRITE {
		if err := writeKey(privateFile, kp.private); err != nil {
			return errors.Annotate(err, "private key")
		}
	}
	return nil
}

func writeKey(filename, key string) error {
	if len(key) != keyLength {
		return errors.NotValidf("key of %d characters", len(key))
	}
	return errors.Trace(os.WriteFile(filename, []byte(key), 0600))
}
