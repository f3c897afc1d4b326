package rpc

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/MiragePrivacy/Nomad/pool"
	"github.com/MiragePrivacy/Nomad/signal"
)

// SignalParams is the wire shape of mirage_signal's single positional
// parameter: every Signal field, hex/0x-string encoded per Ethereum JSON-RPC
// convention.
type SignalParams struct {
	Escrow             string `json:"escrow"`
	Token              string `json:"token"`
	Recipient          string `json:"recipient"`
	TransferAmount     string `json:"transfer_amount"`
	RewardAmount       string `json:"reward_amount"`
	AcknowledgementURL string `json:"acknowledgement_url"`
	Puzzle             string `json:"puzzle"`
	Ciphertext         string `json:"ciphertext"`
}

func (p SignalParams) toSignal() (*signal.Signal, error) {
	transferAmount, err := parseHexUint256(p.TransferAmount)
	if err != nil {
		return nil, fmt.Errorf("transfer_amount: %w", err)
	}
	rewardAmount, err := parseHexUint256(p.RewardAmount)
	if err != nil {
		return nil, fmt.Errorf("reward_amount: %w", err)
	}
	puzzle, err := parseHexBytes(p.Puzzle)
	if err != nil {
		return nil, fmt.Errorf("puzzle: %w", err)
	}
	ciphertext, err := parseHexBytes(p.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("ciphertext: %w", err)
	}

	return &signal.Signal{
		Escrow:             common.HexToAddress(p.Escrow),
		Token:              common.HexToAddress(p.Token),
		Recipient:          common.HexToAddress(p.Recipient),
		TransferAmount:     transferAmount,
		RewardAmount:       rewardAmount,
		AcknowledgementURL: p.AcknowledgementURL,
		Puzzle:             puzzle,
		Ciphertext:         ciphertext,
	}, nil
}

// SignalResult is the response body of a successful mirage_signal call.
type SignalResult struct {
	Accepted bool   `json:"accepted"`
	ID       string `json:"id"`
}

// Publisher floods a newly admitted signal to the gossip overlay.
type Publisher interface {
	Publish(sig *signal.Signal) error
}

// Ingress wires the mirage_signal RPC method to the signal pool and the
// gossip overlay: validate, insert, and on first admission, publish.
// A node with no signing keys (read-only mode) still runs Ingress — it
// accepts and gossips signals for other nodes to lease, it just never
// leases them itself.
type Ingress struct {
	pool      *pool.Pool
	publisher Publisher
}

// NewIngress builds an Ingress bound to a pool and a gossip publisher.
func NewIngress(p *pool.Pool, publisher Publisher) *Ingress {
	return &Ingress{pool: p, publisher: publisher}
}

// Register adds mirage_signal to registry.
func (in *Ingress) Register(registry *MethodRegistry) error {
	return registry.Register(MethodInfo{
		Name:        "mirage_signal",
		Namespace:   "mirage",
		Description: "submit a signal for admission into the local pool and gossip overlay",
		ParamCount:  1,
		Handler:     in.handleSignal,
	})
}

func (in *Ingress) handleSignal(params []interface{}) (interface{}, error) {
	raw, ok := params[0].(json.RawMessage)
	if !ok {
		return nil, fmt.Errorf("%w: mirage_signal expects a single object param", ErrInvalidParams)
	}

	var p SignalParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidParams, err)
	}

	sig, err := p.toSignal()
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidParams, err)
	}
	if err := sig.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidParams, err)
	}

	result, id, err := in.pool.Insert(sig)
	if err != nil {
		return nil, err
	}

	if result == pool.Accepted {
		if err := in.publisher.Publish(sig); err != nil {
			return nil, fmt.Errorf("gossip publish: %w", err)
		}
	}

	return SignalResult{Accepted: result == pool.Accepted, ID: id.Hex()}, nil
}

func parseHexBytes(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return common.FromHex(s), nil
}

func parseHexUint256(s string) (*uint256.Int, error) {
	if s == "" {
		return uint256.NewInt(0), nil
	}
	v, err := uint256.FromHex(s)
	if err != nil {
		return nil, err
	}
	return v, nil
}
