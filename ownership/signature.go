package ownership

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// ChallengeText is the message a wallet signs to prove control. It only
// depends on the lowercased wallet so clients can build it offline.
func ChallengeText(wallet string) string {
	return fmt.Sprintf("Sign this message to verify you own wallet %s on MoltMart", strings.ToLower(strings.TrimSpace(wallet)))
}

// RecoverPersonalSigner returns the address that produced an EIP-191
// personal_sign signature over message.
func RecoverPersonalSigner(message string, signature []byte) (common.Address, error) {
	if len(signature) != gethcrypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes", gethcrypto.SignatureLength)
	}
	sig := make([]byte, len(signature))
	copy(sig, signature)
	if sig[gethcrypto.RecoveryIDOffset] >= 27 {
		sig[gethcrypto.RecoveryIDOffset] -= 27
	}
	pub, err := gethcrypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover public key: %w", err)
	}
	return gethcrypto.PubkeyToAddress(*pub), nil
}

// SignPersonal produces an EIP-191 signature with v in {27, 28}, as wallets do.
func SignPersonal(message string, sign func(hash []byte) ([]byte, error)) (string, error) {
	sig, err := sign(accounts.TextHash([]byte(message)))
	if err != nil {
		return "", err
	}
	if len(sig) == gethcrypto.SignatureLength && sig[gethcrypto.RecoveryIDOffset] < 27 {
		sig[gethcrypto.RecoveryIDOffset] += 27
	}
	return hexutil.Encode(sig), nil
}
