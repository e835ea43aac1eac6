package comfy

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/vincent-petithory/dataurl"
)

// DecodeImageData accepts either a data URL or bare base64 and returns the
// raw bytes.
func DecodeImageData(s string) ([]byte, error) {
	if strings.HasPrefix(s, "data:") {
		dataURL, err := dataurl.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("failed to decode data url: %w", err)
		}
		return dataURL.Data, nil
	}

	// Tolerate a stray "<mediatype>," prefix without the data: scheme.
	if _, after, ok := strings.Cut(s, ","); ok {
		s = after
	}
	return base64.StdEncoding.DecodeString(s)
}

// EncodeBase64 returns data as standard base64, the format job results carry
// inline output files in.
func EncodeBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}
