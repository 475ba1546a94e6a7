package securitymanager

import (
	"github.com/juju/errors"
	"github.com/pebbe/zmq4"
)

// ClientSecurityManager secures a subscribing socket.
type ClientSecurityManager struct {
	*keyPair
	serverPublic string
}

/*
NewClientSecurityManager generates a new client key pair. The publisher's public key must be set
with SetServerPubkey or LoadServerPubkey before the manager is applied.
*/
func NewClientSecurityManager() (*ClientSecurityManager, error) {
	public, private, err := zmq4.NewCurveKeypair()
	if err != nil {
		return nil, errors.Annotate(err, "generating CURVE key pair")
	}
	return &ClientSecurityManager{keyPair: &keyPair{public: public, private: private}}, nil
}

// ApplyToClientSocket configures sock as CURVE client. It must be called before Connect(). Does
// nothing on a nil manager.
func (mgr *ClientSecurityManager) ApplyToClientSocket(sock *zmq4.Socket) error {
	if mgr == nil {
		return nil
	}
	if mgr.serverPublic == "" || mgr.public == "" || mgr.private == "" {
		return errors.NotValidf("client security manager without server public key or own key pair")
	}

	t, err := sock.GetType()
	if err != nil {
		return errors.Trace(err)
	}
	if t != zmq4.SUB && t != zmq4.XSUB {
		return errors.NotSupportedf("securing a %s socket", t)
	}
	return errors.Trace(sock.ClientAuthCurve(mgr.serverPublic, mgr.public, mgr.private))
}

func (mgr *ClientSecurityManager) SetServerPubkey(key string) {
	mgr.serverPublic = key
}

// LoadServerPubkey reads the publisher's public key from keyfile.
func (mgr *ClientSecurityManager) LoadServerPubkey(keyfile string) error {
	kp := new(keyPair)
	if err := kp.LoadKeys(keyfile, DONOTREAD); err != nil {
		return errors.Trace(err)
	}
	mgr.serverPublic = kp.public
	return nil
}

func (mgr *ClientSecurityManager) SetKeys(public, private string) {
	mgr.public, mgr.private = public, private
}
