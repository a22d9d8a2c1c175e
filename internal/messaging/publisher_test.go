package messaging

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/bardlex/poolportal/internal/ledger"
)

type published struct {
	topic, key string
	v          any
}

type fakePublisher struct {
	err  error
	sent []published
}

func (f *fakePublisher) PublishJSON(_ context.Context, topic, key string, v any) error {
	f.sent = append(f.sent, published{topic, key, v})
	return f.err
}

func TestResultPublisher_ObserveShare(t *testing.T) {
	at := time.Unix(1700000000, 0)
	tests := []struct {
		name       string
		share      ledger.Share
		shareValid bool
		blockValid bool
		wantTopics []string
	}{
		{"valid share", ledger.Share{Worker: "w"}, true, false, []string{TopicShareResults}},
		{"invalid share", ledger.Share{Worker: "w"}, false, false, []string{TopicShareResults}},
		{"accepted block", ledger.Share{Worker: "w", Hash: "00ab"}, true, true, []string{TopicShareResults, TopicBlockResults}},
		{"rejected block", ledger.Share{Worker: "w", Hash: "00ab"}, true, false, []string{TopicShareResults, TopicBlockResults}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fp := &fakePublisher{}
			r := NewResultPublisher(fp, testLogger())
			r.now = func() time.Time { return at }

			r.ObserveShare(context.Background(), "bitcoin", &tt.share, tt.shareValid, tt.blockValid)

			if len(fp.sent) != len(tt.wantTopics) {
				t.Fatalf("published %d messages, want %d", len(fp.sent), len(tt.wantTopics))
			}
			for i, topic := range tt.wantTopics {
				if fp.sent[i].topic != topic {
					t.Errorf("message %d topic = %s, want %s", i, fp.sent[i].topic, topic)
				}
			}

			sr := fp.sent[0].v.(*ShareResult)
			if sr.Valid != tt.shareValid || sr.Coin != "bitcoin" || !sr.Time.Equal(at) {
				t.Errorf("share result = %+v", sr)
			}
			if fp.sent[0].key != "bitcoin:w" {
				t.Errorf("share key = %s, want bitcoin:w", fp.sent[0].key)
			}
			if len(fp.sent) == 2 {
				if br := fp.sent[1].v.(*BlockResult); br.Accepted != tt.blockValid || br.Hash != "00ab" {
					t.Errorf("block result = %+v", br)
				}
			}
		})
	}
}

func TestResultPublisher_FailuresAreSwallowed(t *testing.T) {
	fp := &fakePublisher{err: stderrors.New("broker down")}
	r := NewResultPublisher(fp, testLogger())

	r.ObserveShare(context.Background(), "bitcoin", &ledger.Share{Hash: "00ab"}, true, true)

	if len(fp.sent) != 2 {
		t.Errorf("published %d messages, want 2 even after a failure", len(fp.sent))
	}
}
