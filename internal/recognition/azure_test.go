package recognition

import (
	"github.com/Azure/azure-sdk-for-go/services/cognitiveservices/v3.0/computervision"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func words(texts ...string) *[]computervision.OcrWord {
	out := make([]computervision.OcrWord, 0, len(texts))
	for _, t := range texts {
		t := t
		out = append(out, computervision.OcrWord{Text: &t})
	}
	return &out
}

var _ = Describe("ocrResultText", func() {
	It("should join words per line and lines by newline", func() {
		result := computervision.OcrResult{
			Regions: &[]computervision.OcrRegion{
				{Lines: &[]computervision.OcrLine{
					{Words: words("8600", "1234", "5678", "9012")},
					{Words: words("12/25")},
				}},
				{Lines: &[]computervision.OcrLine{
					{Words: words("JOHN", "DOE")},
				}},
			},
		}
		Expect(ocrResultText(result)).To(Equal("8600 1234 5678 9012\n12/25\nJOHN DOE"))
	})

	It("should skip lines without words", func() {
		result := computervision.OcrResult{
			Regions: &[]computervision.OcrRegion{
				{Lines: &[]computervision.OcrLine{{}, {Words: words("HUMO")}}},
				{},
			},
		}
		Expect(ocrResultText(result)).To(Equal("HUMO"))
	})

	It("should return an empty string without regions", func() {
		Expect(ocrResultText(computervision.OcrResult{})).To(BeEmpty())
	})
})

var _ = Describe("NewAzure", func() {
	It("requires an endpoint", func() {
		_, err := NewAzure("", "key", Options{})
		Expect(err).To(MatchError("azure endpoint is required"))
	})

	It("requires an api key", func() {
		_, err := NewAzure("https://example.cognitiveservices.azure.com/", "", Options{})
		Expect(err).To(MatchError("azure api key is required"))
	})
})
