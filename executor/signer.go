package executor

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/flashbots/tx-plan-executor/nonce"
	"go.uber.org/zap"
)

// Signer turns a transaction into either a broadcast hash or a signed transaction.
type Signer interface {
	Sign(ctx context.Context, tx *TransactionToSign) (SignResult, error)
}

// awaitingSigner is implemented by signers that wait on an external party.
type awaitingSigner interface {
	AwaitsSignature() bool
}

// replacingSigner is implemented by signers whose Sign gives the nonce back on failure.
// A replacement reuses a nonce that the original transaction still holds, so it must sign through replacementSigner.
type replacingSigner interface {
	replacementSigner() Signer
}

func signWithKey(key *ecdsa.PrivateKey, tx *TransactionToSign) (*types.Transaction, error) {
	if tx.ChainID == nil {
		return nil, errors.New("transaction has no chain id")
	}
	return types.SignTx(tx.Unsigned(), types.LatestSignerForChainID(tx.ChainID), key)
}

// KeySigner signs with a held key and leaves broadcasting to the engine.
type KeySigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

func NewKeySigner(key *ecdsa.PrivateKey) *KeySigner {
	return &KeySigner{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

func (s *KeySigner) Address() common.Address { return s.address }

func (s *KeySigner) Sign(ctx context.Context, tx *TransactionToSign) (SignResult, error) {
	if tx.From != s.address {
		return SignResult{}, fmt.Errorf("key signer holds %s, transaction is from %s", s.address.Hex(), tx.From.Hex())
	}
	signed, err := signWithKey(s.key, tx)
	if err != nil {
		return SignResult{}, err
	}
	return SignResult{Signed: signed}, nil
}

// AuthoritativeSigner signs and broadcasts inline. When either fails it gives the nonce back to the allocator.
type AuthoritativeSigner struct {
	log         *zap.Logger
	key         *KeySigner
	broadcaster *Broadcaster
	nonces      nonce.Allocator
}

func NewAuthoritativeSigner(log *zap.Logger, key *ecdsa.PrivateKey, broadcaster *Broadcaster, nonces nonce.Allocator) *AuthoritativeSigner {
	return &AuthoritativeSigner{
		log:         log.Named("signer"),
		key:         NewKeySigner(key),
		broadcaster: broadcaster,
		nonces:      nonces,
	}
}

func (s *AuthoritativeSigner) Address() common.Address { return s.key.Address() }

// replacementSigner signs without broadcasting or touching the nonce, the engine uses it for same nonce replacements.
func (s *AuthoritativeSigner) replacementSigner() Signer { return s.key }

func (s *AuthoritativeSigner) Sign(ctx context.Context, tx *TransactionToSign) (SignResult, error) {
	res, err := s.key.Sign(ctx, tx)
	if err == nil {
		var hash common.Hash
		hash, err = s.broadcaster.Broadcast(ctx, tx.Chain, res.Signed, tx.Private)
		if err == nil {
			return SignResult{TxHash: hash}, nil
		}
	}
	if releaseErr := s.nonces.ReleaseNonce(ctx, tx.Chain, tx.From, tx.Nonce); releaseErr != nil {
		s.log.Warn("Failed to release nonce", zap.Uint64("nonce", tx.Nonce), zap.Error(releaseErr))
		return SignResult{}, err
	}
	return SignResult{}, errors.Join(err, ErrNonceReleased)
}

// DelegatedSigner parks the transaction in the signature queue until an external signer answers or the request expires.
type DelegatedSigner struct {
	queue   *SignatureQueue
	timeout time.Duration
}

func NewDelegatedSigner(queue *SignatureQueue, timeout time.Duration) *DelegatedSigner {
	return &DelegatedSigner{queue: queue, timeout: timeout}
}

func (s *DelegatedSigner) AwaitsSignature() bool { return true }

func (s *DelegatedSigner) Sign(ctx context.Context, tx *TransactionToSign) (SignResult, error) {
	req := s.queue.CreateSignatureRequest(tx, s.timeout)
	resolved, err := s.queue.Wait(ctx, req.ID)
	if err != nil {
		s.queue.expire(req.ID)
		return SignResult{}, err
	}
	switch resolved.Status {
	case SignatureSubmitted:
		return SignResult{TxHash: *resolved.TxHash}, nil
	case SignatureRejected:
		if resolved.Reason != "" {
			return SignResult{}, fmt.Errorf("%w: %s", ErrSignatureRejected, resolved.Reason)
		}
		return SignResult{}, ErrSignatureRejected
	case SignatureExpired:
		return SignResult{}, fmt.Errorf("%w after %s", ErrSignatureTimeout, s.timeout)
	default:
		return SignResult{}, fmt.Errorf("%w: %s", ErrSignatureNotPending, resolved.Status)
	}
}
