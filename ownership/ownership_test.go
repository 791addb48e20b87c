package ownership

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"moltmart/chain/chaintest"
	coreerrors "moltmart/core/errors"
)

var burnTarget = common.HexToAddress("0x000000000000000000000000000000000000dEaD")

type testEnv struct {
	backend  *chaintest.Backend
	verifier *Verifier
	now      time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{backend: chaintest.NewBackend(8453), now: time.Unix(1_717_787_717, 0)}
	env.verifier = NewVerifier(Config{
		Reader:  env.backend,
		ChainID: env.backend.ChainID,
		Target:  burnTarget,
		TTL:     600 * time.Second,
		Now:     func() time.Time { return env.now },
	})
	return env
}

func sign(t *testing.T, key *ecdsa.PrivateKey, message string) string {
	t.Helper()
	sig, err := SignPersonal(message, func(hash []byte) ([]byte, error) { return gethcrypto.Sign(hash, key) })
	require.NoError(t, err)
	return sig
}

func requireCode(t *testing.T, err error, code coreerrors.Code, reason string) {
	t.Helper()
	require.Error(t, err)
	typed, ok := coreerrors.As(err)
	require.True(t, ok, "expected typed error, got %v", err)
	require.Equal(t, code, typed.Code)
	if reason != "" {
		require.Equal(t, reason, typed.Reason)
	}
}

func TestSignatureProof(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	key, addr := chaintest.NewKey()
	wallet := addr.Hex()

	issued, err := env.verifier.IssueSignature(ctx, wallet)
	require.NoError(t, err)
	require.Equal(t, ChallengeText(strings.ToLower(wallet)), issued.Challenge)
	require.Contains(t, issued.Challenge, strings.ToLower(wallet))
	require.Equal(t, 600, issued.ExpiresInSeconds)

	proof, err := ResolveProof(sign(t, key, issued.Challenge), "")
	require.NoError(t, err)
	require.Equal(t, ProofSignature, proof.Method)

	normalized, err := env.verifier.Verify(ctx, strings.ToLower(wallet), proof)
	require.NoError(t, err)
	require.Equal(t, strings.ToLower(wallet), normalized)

	_, err = env.verifier.Verify(ctx, wallet, proof)
	requireCode(t, err, coreerrors.CodeChallengeNotFound, "")
}

func TestSignatureFromOtherWalletRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, addr := chaintest.NewKey()
	otherKey, _ := chaintest.NewKey()

	issued, err := env.verifier.IssueSignature(ctx, addr.Hex())
	require.NoError(t, err)
	proof, err := ResolveProof(sign(t, otherKey, issued.Challenge), "")
	require.NoError(t, err)

	_, err = env.verifier.Verify(ctx, addr.Hex(), proof)
	requireCode(t, err, coreerrors.CodeOwnershipProofInvalid, ReasonSignatureInvalid)
}

func TestResolveProofRequiresExactlyOne(t *testing.T) {
	_, err := ResolveProof("", "")
	requireCode(t, err, coreerrors.CodeInvalidArgument, "")
	_, err = ResolveProof("0x01", "0x"+strings.Repeat("a", 64))
	requireCode(t, err, coreerrors.CodeInvalidArgument, "")
	proof, err := ResolveProof("", "0x"+strings.Repeat("a", 64))
	require.NoError(t, err)
	require.Equal(t, ProofOnchainTx, proof.Method)
}

func TestOnchainProof(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	key, addr := chaintest.NewKey()

	issued, err := env.verifier.IssueOnchain(ctx, addr.Hex())
	require.NoError(t, err)
	require.Equal(t, strings.ToLower(burnTarget.Hex()), issued.Target)
	require.Equal(t, "0", issued.Value)
	require.Equal(t, 600, issued.ExpiresInSeconds)

	tx := chaintest.SignTx(key, env.backend.ChainID, 0, burnTarget, nil, hexutil.MustDecode(issued.Nonce))
	env.backend.AddTransaction(tx, true)

	_, err = env.verifier.Verify(ctx, addr.Hex(), Proof{Method: ProofOnchainTx, TxHash: tx.Hash()})
	require.NoError(t, err)

	_, err = env.verifier.Verify(ctx, addr.Hex(), Proof{Method: ProofOnchainTx, TxHash: tx.Hash()})
	requireCode(t, err, coreerrors.CodeChallengeNotFound, "")
}

func TestOnchainProofMismatches(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	key, addr := chaintest.NewKey()
	otherKey, _ := chaintest.NewKey()

	issued, err := env.verifier.IssueOnchain(ctx, addr.Hex())
	require.NoError(t, err)
	nonce := hexutil.MustDecode(issued.Nonce)

	flipped := append([]byte(nil), nonce...)
	flipped[len(flipped)-1] ^= 0x01

	cases := []struct {
		name   string
		key    *ecdsa.PrivateKey
		to     common.Address
		data   []byte
		reason string
	}{
		{"sender", otherKey, burnTarget, nonce, ReasonSenderMismatch},
		{"target", key, common.HexToAddress("0x000000000000000000000000000000000000bEEF"), nonce, ReasonTargetMismatch},
		{"calldata byte", key, burnTarget, flipped, ReasonCalldataMismatch},
		{"calldata prefix", key, burnTarget, nonce[:len(nonce)-1], ReasonCalldataMismatch},
		{"calldata suffix", key, burnTarget, append(append([]byte(nil), nonce...), 0x00), ReasonCalldataMismatch},
	}
	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tx := chaintest.SignTx(tc.key, env.backend.ChainID, uint64(i), tc.to, nil, tc.data)
			env.backend.AddTransaction(tx, false)
			_, err := env.verifier.Verify(ctx, addr.Hex(), Proof{Method: ProofOnchainTx, TxHash: tx.Hash()})
			requireCode(t, err, coreerrors.CodeOwnershipProofInvalid, tc.reason)
		})
	}

	// The challenge survives mismatches so the caller can self-correct.
	good := chaintest.SignTx(key, env.backend.ChainID, 99, burnTarget, big.NewInt(0), nonce)
	env.backend.AddTransaction(good, false)
	_, err = env.verifier.Verify(ctx, addr.Hex(), Proof{Method: ProofOnchainTx, TxHash: good.Hash()})
	require.NoError(t, err)
}

func TestOnchainProofExpiredAndUnknownTx(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	key, addr := chaintest.NewKey()

	_, err := env.verifier.Verify(ctx, addr.Hex(), Proof{Method: ProofOnchainTx, TxHash: common.HexToHash("0x01")})
	requireCode(t, err, coreerrors.CodeChallengeNotFound, "")

	issued, err := env.verifier.IssueOnchain(ctx, addr.Hex())
	require.NoError(t, err)

	_, err = env.verifier.Verify(ctx, addr.Hex(), Proof{Method: ProofOnchainTx, TxHash: common.HexToHash("0x01")})
	requireCode(t, err, coreerrors.CodeOwnershipProofInvalid, ReasonTxNotFound)

	tx := chaintest.SignTx(key, env.backend.ChainID, 0, burnTarget, nil, hexutil.MustDecode(issued.Nonce))
	env.backend.AddTransaction(tx, false)
	env.now = env.now.Add(601 * time.Second)
	_, err = env.verifier.Verify(ctx, addr.Hex(), Proof{Method: ProofOnchainTx, TxHash: tx.Hash()})
	requireCode(t, err, coreerrors.CodeChallengeExpired, "")
}

func TestReissueInvalidatesPriorNonce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	key, addr := chaintest.NewKey()

	first, err := env.verifier.IssueOnchain(ctx, addr.Hex())
	require.NoError(t, err)
	_, err = env.verifier.IssueOnchain(ctx, addr.Hex())
	require.NoError(t, err)

	tx := chaintest.SignTx(key, env.backend.ChainID, 0, burnTarget, nil, hexutil.MustDecode(first.Nonce))
	env.backend.AddTransaction(tx, false)
	_, err = env.verifier.Verify(ctx, addr.Hex(), Proof{Method: ProofOnchainTx, TxHash: tx.Hash()})
	requireCode(t, err, coreerrors.CodeOwnershipProofInvalid, ReasonCalldataMismatch)
}
