// Package receiver implements the client side of the asymmetric PSI
// protocol.
//
// A Client goes through the following steps:
//
//	SetParameters   load the server parameters, generate the encryption keys
//	CreateOPRFRequest / ExtractHashes   hash the items through the server OPRF
//	CreateQuery     encrypt the hashed items
//	ProcessResult   decrypt the server answer into one boolean per item
package receiver

import (
	"fmt"
	"sync"

	"github.com/optable/apsi/internal/he"
	"github.com/optable/apsi/pkg/oprf"
	"github.com/optable/apsi/pkg/params"
	"github.com/optable/apsi/pkg/psi"
	"github.com/tuneinsight/lattigo/v5/core/rlwe"
)

// Config is the runtime configuration of a Client
type Config struct {
	// Threads bounds the parallelism of CreateQuery and ProcessResult.
	// 0 uses GOMAXPROCS.
	Threads int
}

// Client holds the state of one PSI session. It is not safe for
// concurrent use.
type Client struct {
	cfg    Config
	params params.Parameters
	he     *he.Context
	sk     *rlwe.SecretKey
	rlk    *rlwe.RelinearizationKey

	oprf  *oprf.Receiver
	query *queryState

	encryptors *sync.Pool
	decryptors *sync.Pool
}

// New returns a Client without parameters
func New(cfg Config) *Client {
	return &Client{cfg: cfg}
}

// SetParameters loads the parameters blob published by the server and
// generates fresh encryption keys. Any session in progress is dropped.
func (c *Client) SetParameters(blob []byte) error {
	p, err := params.FromBinary(blob)
	if err != nil {
		return err
	}
	return c.SetParams(p)
}

// SetParams is SetParameters for already parsed parameters
func (c *Client) SetParams(p params.Parameters) error {
	if p.IsZero() {
		return fmt.Errorf("%w: no parameters", psi.ErrInvalidArgument)
	}
	heParams := p.HE()
	heCtx, err := he.NewContext(heParams.PolyModulusDegree, heParams.PlainModulus, heParams.CoeffModulusBits)
	if err != nil {
		return fmt.Errorf("%w: %v", psi.ErrInvalidArgument, err)
	}

	sk, rlk := heCtx.GenKeys()
	c.params, c.he, c.sk, c.rlk = p, heCtx, sk, rlk
	c.oprf, c.query = nil, nil
	// encryptors and decryptors are not safe for concurrent use
	c.encryptors = &sync.Pool{New: func() any { return heCtx.NewEncryptor(sk) }}
	c.decryptors = &sync.Pool{New: func() any { return heCtx.NewDecryptor(sk) }}
	return nil
}

// Params returns the session parameters, zero before SetParameters
func (c *Client) Params() params.Parameters {
	return c.params
}

// CreateOPRFRequest blinds items and returns the request to send to the
// server. Any previous OPRF or query state is discarded.
func (c *Client) CreateOPRFRequest(items psi.Items) ([]byte, error) {
	c.oprf, c.query = nil, nil
	r, err := oprf.NewReceiver(items)
	if err != nil {
		return nil, err
	}
	c.oprf = r
	return r.Request(), nil
}

// ExtractHashes unblinds the server OPRF response into the hashed items,
// in the order of the request.
func (c *Client) ExtractHashes(response []byte) ([]psi.HashedItem, error) {
	if c.oprf == nil {
		return nil, fmt.Errorf("%w: not valid state, no OPRF request in flight", psi.ErrInvalidArgument)
	}
	hashed, err := c.oprf.Unblind(response)
	if err != nil {
		return nil, err
	}
	c.oprf = nil
	return hashed, nil
}
