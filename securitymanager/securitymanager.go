/*
Package securitymanager applies CURVE encryption and authentication to the ZeroMQ sockets of the
broker channel, following the Iron House pattern of the ZeroMQ security documentation. The
publishing side uses a ServerSecurityManager, subscribers use a ClientSecurityManager.
*/
package securitymanager

import (
	"github.com/dermesser/flowrpc/log"

	"github.com/juju/errors"
	"github.com/pebbe/zmq4"
	"go.uber.org/zap"
)

const DONOTWRITE = "___donotwrite_key_to_file"
const DONOTREAD = "___donotread_key_from_file"

// ZAP domain of the publisher socket.
const BROKER_DOMAIN = "flowrpc.broker"

/*
ServerSecurityManager secures a publishing socket. Besides CURVE it supports restricting the
subscribers by public key and by IP address, either with a whitelist or with a blacklist.
*/
type ServerSecurityManager struct {
	*keyPair
	// Z85 keys
	allowedClientKeys []string

	// Only one of both is set.
	allowedClientAddresses []string
	deniedClientAddresses  []string
}

// NewServerSecurityManager generates a new key pair.
func NewServerSecurityManager() (*ServerSecurityManager, error) {
	public, private, err := zmq4.NewCurveKeypair()
	if err != nil {
		return nil, errors.Annotate(err, "generating CURVE key pair")
	}
	return &ServerSecurityManager{keyPair: &keyPair{public: public, private: private}}, nil
}

/*
ApplyToServerSocket configures sock as CURVE server. It must be called before Bind(). Calling it
on a nil manager does nothing, so an unsecured channel just passes nil.
*/
func (mgr *ServerSecurityManager) ApplyToServerSocket(sock *zmq4.Socket) error {
	if mgr == nil {
		return nil
	}
	if mgr.private == "" || mgr.public == "" {
		return errors.NotValidf("server security manager without keys")
	}

	t, err := sock.GetType()
	if err != nil {
		return errors.Trace(err)
	}
	if t != zmq4.PUB && t != zmq4.XPUB {
		return errors.NotSupportedf("securing a %s socket", t)
	}

	// Returns an error if already running, which is fine.
	if err := zmq4.AuthStart(); err != nil && log.IsLoggingEnabled(log.LOGLEVEL_DEBUG) {
		log.Named("securitymanager").Debug("ZAP handler already running", zap.Error(err))
	}

	if mgr.allowedClientAddresses != nil {
		zmq4.AuthAllow(BROKER_DOMAIN, mgr.allowedClientAddresses...)
	} else if mgr.deniedClientAddresses != nil {
		zmq4.AuthDeny(BROKER_DOMAIN, mgr.deniedClientAddresses...)
	}

	if mgr.allowedClientKeys != nil {
		zmq4.AuthCurveAdd(BROKER_DOMAIN, mgr.allowedClientKeys...)
	} else {
		zmq4.AuthCurveAdd(BROKER_DOMAIN, zmq4.CURVE_ALLOW_ANY)
	}

	return errors.Trace(sock.ServerAuthCurve(BROKER_DOMAIN, mgr.private))
}

// StopManager tears down the ZAP handler.
func (mgr *ServerSecurityManager) StopManager() {
	zmq4.AuthStop()
}

func (mgr *ServerSecurityManager) SetKeys(public, private string) {
	mgr.public, mgr.private = public, private
}

func (mgr *ServerSecurityManager) GetPublicKey() string {
	return mgr.public
}

// AddClientKeys restricts subscribers to the given public keys.
func (mgr *ServerSecurityManager) AddClientKeys(keys ...string) {
	mgr.allowedClientKeys = append(mgr.allowedClientKeys, keys...)
}

// ResetClientKeys allows any subscriber key again.
func (mgr *ServerSecurityManager) ResetClientKeys() {
	mgr.allowedClientKeys = nil
}

func (mgr *ServerSecurityManager) ResetBlackWhiteLists() {
	mgr.allowedClientAddresses = nil
	mgr.deniedClientAddresses = nil
}

// WhitelistClients adds IP addresses or ranges to the whitelist and drops the blacklist.
func (mgr *ServerSecurityManager) WhitelistClients(addrs ...string) {
	mgr.deniedClientAddresses = nil
	mgr.allowedClientAddresses = append(mgr.allowedClientAddresses, addrs...)
}

// BlacklistClients adds IP addresses or ranges to the blacklist and drops the whitelist.
func (mgr *ServerSecurityManager) BlacklistClients(addrs ...string) {
	mgr.allowedClientAddresses = nil
	mgr.deniedClientAddresses = append(mgr.deniedClientAddresses, addrs...)
}
