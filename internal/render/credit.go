package render

import (
	"fmt"

	"github.com/bobarin/newsreel/internal/models"
	"github.com/bobarin/newsreel/internal/storage"
	qrcode "github.com/skip2/go-qrcode"
)

// CreditZIndex keeps the source credit above every generated layer.
const CreditZIndex = 100

// SourceCredit encodes sourceURL as a PNG QR code of size x size pixels and
// returns it with the placement that layers it onto every paragraph.
func SourceCredit(sourceURL string, size int, quad models.Quad) ([]byte, models.ImagePlacement, error) {
	if size <= 0 {
		size = 256
	}
	png, err := qrcode.Encode(sourceURL, qrcode.Medium, size)
	if err != nil {
		return nil, models.ImagePlacement{}, fmt.Errorf("encode source qr: %w", err)
	}
	return png, models.ImagePlacement{
		ImgPath: storage.CreditFile,
		Quad:    quad,
		ZIndex:  CreditZIndex,
	}, nil
}
