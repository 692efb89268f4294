package scanner

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nhle/refundscout/internal/model"
)

func TestSenderDomain(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{"promo@RyanAir.com", "ryanair.com"},
		{"a@b@mail.example.org", "mail.example.org"},
		{"no-at-sign", ""},
		{"trailing@", ""},
		{"", ""},
		{"x@example.com.", "example.com"},
	}
	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			assert.Equal(t, tt.want, SenderDomain(tt.addr))
		})
	}
}

func TestDomainSet_Match(t *testing.T) {
	set := NewDomainSet([]string{"RyanAir.com", " amazon.co.uk ", ""})

	assert.True(t, set.Match("ryanair.com"))
	assert.True(t, set.Match("mail.ryanair.com"))
	assert.True(t, set.Match("amazon.co.uk"))
	assert.False(t, set.Match("notryanair.com"))
	assert.False(t, set.Match("co.uk"))
	assert.False(t, set.Match("com"))
	assert.False(t, set.Match(""))
}

func TestFilter_FallbackThreshold(t *testing.T) {
	records := []model.MessageRecord{
		{ProviderMessageID: "1", Sender: "promo@ryanair.com", SenderDomain: "ryanair.com"},
		{ProviderMessageID: "2", Sender: "noreply@example.com", SenderDomain: "example.com"},
	}
	priority := NewDomainSet([]string{"ryanair.com"})

	small := Filter(records, priority, 2)
	assert.Len(t, small, 2, "result sets at the threshold are kept whole")

	large := Filter(records, priority, 1)
	if assert.Len(t, large, 1) {
		assert.Equal(t, "1", large[0].ProviderMessageID)
	}

	assert.Empty(t, Filter(records, NewDomainSet(nil), 0))
	assert.Empty(t, Filter(nil, priority, 0))
}
