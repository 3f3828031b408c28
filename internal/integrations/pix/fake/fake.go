package fake

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/BearBump/TrackFunnel/internal/integrations/pix"
	"github.com/shopspring/decimal"
)

// Gateway builds a deterministic PIX payload from the payer and amount,
// without any network call.
type Gateway struct{}

func New() *Gateway { return &Gateway{} }

func (g *Gateway) CreateTransaction(ctx context.Context, payer pix.PayerInfo, amount decimal.Decimal, description string) (pix.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return pix.Transaction{}, err
	}
	if !amount.IsPositive() {
		return pix.Transaction{}, fmt.Errorf("%w: amount must be positive", pix.ErrRejected)
	}

	amt := amount.StringFixed(2)
	h := fnv.New32a()
	_, _ = h.Write([]byte(payer.TaxID))
	_, _ = h.Write([]byte("|"))
	_, _ = h.Write([]byte(amt))
	_, _ = h.Write([]byte("|"))
	_, _ = h.Write([]byte(description))
	v := h.Sum32()

	ref := fmt.Sprintf("FAKE%08X", v)
	return pix.Transaction{
		ReferenceID: ref,
		PayloadCode: payload(ref, amt, payer.Name, v),
		Amount:      amount,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

func field(id, value string) string {
	return fmt.Sprintf("%s%02d%s", id, len(value), value)
}

// payload lays out an EMV-style copy-and-paste string.
func payload(ref, amount, name string, v uint32) string {
	name = strings.ToUpper(strings.TrimSpace(name))
	if name == "" {
		name = "PAGADOR"
	}
	if len(name) > 25 {
		name = name[:25]
	}
	var b strings.Builder
	b.WriteString(field("00", "01"))
	b.WriteString(field("26", field("00", "br.gov.bcb.pix")+field("01", strings.ToLower(ref)+"@fake.pix")))
	b.WriteString(field("52", "0000"))
	b.WriteString(field("53", "986"))
	b.WriteString(field("54", amount))
	b.WriteString(field("58", "BR"))
	b.WriteString(field("59", name))
	b.WriteString(field("62", field("05", ref)))
	b.WriteString(fmt.Sprintf("6304%04X", v&0xffff))
	return b.String()
}
