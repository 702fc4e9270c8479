package key

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"os"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// --- ECDSA 公钥和私钥的 JSON 格式部分 --- //
// Pubkey : {'id': (string), 'x': (string), 'y': (string), 'curve': (string)}
// Privkey: {'id': (string), 'x': (string), 'y': (string), 'curve': (string), 'd': (string)}

type ECDSAPubkeyJSON struct {
	Identifier string `json:"id,omitempty"`
	X          string `json:"x"`
	Y          string `json:"y"`
	Curve      string `json:"curve"`
}

type ECDSAPrivateKeyJSON struct {
	ECDSAPubkeyJSON
	D string `json:"d"`
}

// getCurve 根据 curveName 获取并返回 elliptic.Curve
func getCurve(curveName string) (elliptic.Curve, error) {
	switch curveName {
	case "P-224":
		return elliptic.P224(), nil
	case "P-256":
		return elliptic.P256(), nil
	case "P-384":
		return elliptic.P384(), nil
	case "P-521":
		return elliptic.P521(), nil
	default:
		return nil, errors.New("unrecognized elliptic curve")
	}
}

func parseInt(name, s string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, errors.Errorf("failed to convert %s value to big.Int", name)
	}
	return n, nil
}

func (j ECDSAPubkeyJSON) publicKey() (*ecdsa.PublicKey, error) {
	curve, err := getCurve(j.Curve)
	if err != nil {
		return nil, err
	}
	x, err := parseInt("x", j.X)
	if err != nil {
		return nil, err
	}
	y, err := parseInt("y", j.Y)
	if err != nil {
		return nil, err
	}
	if !curve.IsOnCurve(x, y) {
		return nil, errors.New("point is not on curve")
	}
	return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
}

// EncodeECDSAPubkeyToJson 将公钥转换为 JSON
func EncodeECDSAPubkeyToJson(pubkey *ecdsa.PublicKey) []byte {
	jsonData, _ := json.Marshal(ECDSAPubkeyJSON{
		X:     pubkey.X.String(),
		Y:     pubkey.Y.String(),
		Curve: pubkey.Params().Name,
	})
	return jsonData
}

// DecodeJSONToECDSAPubkey 将 JSON 格式的公钥转换为 ecdsa.PublicKey
func DecodeJSONToECDSAPubkey(jsonData []byte) (*ecdsa.PublicKey, error) {
	var pubkeyJSON ECDSAPubkeyJSON
	if err := json.Unmarshal(jsonData, &pubkeyJSON); err != nil {
		return nil, errors.Wrap(err, "decode public key")
	}
	return pubkeyJSON.publicKey()
}

func EncodeSigningKeyToJson(chain *SigningKeyChain) []byte {
	privkey := chain.PrivateKey
	var privkeyJSON ECDSAPrivateKeyJSON
	privkeyJSON.Identifier = chain.Identifier.String()
	privkeyJSON.Curve = privkey.Params().Name
	privkeyJSON.D = privkey.D.String()
	privkeyJSON.X = privkey.X.String()
	privkeyJSON.Y = privkey.Y.String()

	jsonData, _ := json.Marshal(privkeyJSON)
	return jsonData
}

func DecodeJSONToSigningKey(jsonData []byte) (*SigningKeyChain, error) {
	var privkeyJSON ECDSAPrivateKeyJSON
	if err := json.Unmarshal(jsonData, &privkeyJSON); err != nil {
		return nil, errors.Wrap(err, "decode private key")
	}
	pk, err := privkeyJSON.publicKey()
	if err != nil {
		return nil, err
	}
	d, err := parseInt("d", privkeyJSON.D)
	if err != nil {
		return nil, err
	}

	chain := &SigningKeyChain{
		PrivateKey: &ecdsa.PrivateKey{PublicKey: *pk, D: d},
	}
	chain.PublicKey = &chain.PrivateKey.PublicKey
	if chain.Identifier, err = uuid.Parse(privkeyJSON.Identifier); err != nil {
		chain.Identifier = uuid.New()
	}
	return chain, nil
}

// --- 文件读写 --- //

func SaveSigningKey(path string, chain *SigningKeyChain) error {
	return errors.Wrap(os.WriteFile(path, EncodeSigningKeyToJson(chain), 0600), "save signing key")
}

func LoadSigningKey(path string) (*SigningKeyChain, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "load signing key")
	}
	return DecodeJSONToSigningKey(data)
}

func SavePublicKey(path string, pk *ecdsa.PublicKey) error {
	return errors.Wrap(os.WriteFile(path, EncodeECDSAPubkeyToJson(pk), 0644), "save public key")
}

// SavePublicKeyPEM 以 PKIX PEM 形式导出公钥，供不读 JSON 的对端使用
func SavePublicKeyPEM(path string, pk *ecdsa.PublicKey) error {
	der, err := MarshalECDSAPublicKey(pk)
	if err != nil {
		return errors.Wrap(err, "marshal public key")
	}
	data := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	return errors.Wrap(os.WriteFile(path, data, 0644), "save public key")
}

// LoadPublicKey 同时接受公钥文件和私钥文件，私钥文件只取其中的公钥部分。
// PEM 文件按 PKIX 公钥解析
func LoadPublicKey(path string) (*ecdsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "load public key")
	}
	if block, _ := pem.Decode(data); block != nil {
		return UnmarshalECDSAPublicKey(block.Bytes)
	}
	return DecodeJSONToECDSAPubkey(data)
}
