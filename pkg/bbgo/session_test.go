package bbgo

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbx/goarb/internal/domain"
)

type captureSink struct {
	events []any
}

func (c *captureSink) Post(event any) bool {
	c.events = append(c.events, event)
	return true
}

func TestSinkMuxBuffersUntilAttach(t *testing.T) {
	mux := newSinkMux()
	assert.True(t, mux.Post("a"))
	assert.True(t, mux.Post("b"))

	sink := &captureSink{}
	mux.Attach(sink)

	require.Equal(t, []any{"a", "b"}, sink.events)

	mux.Post("c")
	assert.Equal(t, []any{"a", "b", "c"}, sink.events)
}

func TestSinkMuxAttachIdempotent(t *testing.T) {
	mux := newSinkMux()
	sink := &captureSink{}
	mux.Attach(sink)
	mux.Post("x")
	mux.Attach(sink) // 周期切换时的重复 Attach 不应重放
	assert.Equal(t, []any{"x"}, sink.events)
}

func TestSinkMuxBacklogDropsOldest(t *testing.T) {
	mux := newSinkMux()
	for i := 0; i < sinkBacklogLimit+10; i++ {
		mux.Post(fmt.Sprintf("ev-%d", i))
	}
	sink := &captureSink{}
	mux.Attach(sink)

	require.Len(t, sink.events, sinkBacklogLimit)
	assert.Equal(t, "ev-10", sink.events[0])
	assert.Equal(t, fmt.Sprintf("ev-%d", sinkBacklogLimit+9), sink.events[len(sink.events)-1])
}

func upDownMarket(slug string) *domain.Market {
	return &domain.Market{
		Slug:        slug,
		ConditionID: "0xcond-" + slug,
		Outcomes: []domain.Outcome{
			{Label: "Up", AssetID: slug + "-up", Index: 0},
			{Label: "Down", AssetID: slug + "-down", Index: 1},
		},
	}
}

func TestEnvironmentNewSession(t *testing.T) {
	env := NewEnvironment()
	market := upDownMarket("btc-updown-15m-1756200000")

	sess, err := env.NewSession("main", market)
	require.NoError(t, err)
	assert.Equal(t, market, sess.Market())
	assert.NotNil(t, sess.Pair())
	assert.Same(t, env.Books, sess.Books())
	assert.Equal(t, 2, env.MarketFeed.SubscriptionCount())

	got, ok := env.Session("main")
	require.True(t, ok)
	assert.Same(t, sess, got)
}

func TestEnvironmentNewSessionRejectsEmptyMarket(t *testing.T) {
	env := NewEnvironment()
	_, err := env.NewSession("main", nil)
	assert.Error(t, err)
	_, err = env.NewSession("main", &domain.Market{Slug: "empty"})
	assert.Error(t, err)
}

func TestSessionAttachSinkRoutesFeedEvents(t *testing.T) {
	env := NewEnvironment()
	market := upDownMarket("eth-updown-15m-1756200900")
	sess, err := env.NewSession("main", market)
	require.NoError(t, err)

	// 会话就绪前到达的事件应当积压，AttachSink 后按序补投
	env.mux.Post("early")
	sink := &captureSink{}
	sess.AttachSink(sink)
	require.Equal(t, []any{"early"}, sink.events)
}

func TestSessionCloseDropsBooks(t *testing.T) {
	env := NewEnvironment()
	market := upDownMarket("sol-updown-15m-1756201800")
	sess, err := env.NewSession("main", market)
	require.NoError(t, err)

	env.Books.Book(market.Outcomes[0].AssetID)
	require.Len(t, env.Books.Assets(), 1)

	require.NoError(t, sess.Close())
	assert.Empty(t, env.Books.Assets())
}
