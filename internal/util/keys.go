package util

import (
	"crypto/rand"
	"encoding/hex"
	"math/big"
	"regexp"
	"strings"
)

const keyAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

var licenseKeyPattern = regexp.MustCompile(`^[A-Z0-9]{5}-[A-Z0-9]{5}-[A-Z0-9]{5}$`)

// GenerateLicenseKey 生成 XXXXX-XXXXX-XXXXX 格式的许可证密钥
func GenerateLicenseKey() (string, error) {
	var b strings.Builder
	for group := 0; group < 3; group++ {
		if group > 0 {
			b.WriteByte('-')
		}
		for i := 0; i < 5; i++ {
			n, err := rand.Int(rand.Reader, big.NewInt(int64(len(keyAlphabet))))
			if err != nil {
				return "", err
			}
			b.WriteByte(keyAlphabet[n.Int64()])
		}
	}
	return b.String(), nil
}

func ValidLicenseKey(key string) bool {
	return licenseKeyPattern.MatchString(key)
}

// NormalizeLicenseKey 去掉首尾空白并转为大写
func NormalizeLicenseKey(key string) string {
	return strings.ToUpper(strings.TrimSpace(key))
}

// GenerateAccessCode 生成5位数字访问码
func GenerateAccessCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(90000))
	if err != nil {
		return "", err
	}
	return big.NewInt(0).Add(n, big.NewInt(10000)).String(), nil
}

// GenerateTicketID 生成 TIC-XXXXXXXX 格式的工单号
func GenerateTicketID() (string, error) {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "TIC-" + strings.ToUpper(hex.EncodeToString(buf)), nil
}
