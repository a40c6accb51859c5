package hedge

import (
	"context"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/emptypb"

	"trading-core/internal/events"
	"trading-core/internal/hedge/hedgepb"
	"trading-core/pkg/exchanges/common"
)

const bufSize = 1024 * 1024

func startTestServer(t *testing.T, bridge *Bridge) (hedgepb.HedgeFeedClient, func()) {
	t.Helper()
	lis := bufconn.Listen(bufSize)
	srv := grpc.NewServer()
	hedgepb.RegisterHedgeFeedServer(srv, bridge)
	go srv.Serve(lis)

	dialer := func(context.Context, string) (net.Conn, error) { return lis.Dial() }
	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(dialer),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("grpc.NewClient: %v", err)
	}

	client := hedgepb.NewHedgeFeedClient(conn)
	cleanup := func() {
		conn.Close()
		srv.Stop()
	}
	return client, cleanup
}

func TestBridgeStreamsFillEventsToConnectedHedger(t *testing.T) {
	bridge := NewBridge(nil)
	client, cleanup := startTestServer(t, bridge)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := client.Stream(ctx, &emptypb.Empty{})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	// give the server goroutine time to register the subscriber before
	// publishing, since Publish is fire-and-forget / non-blocking.
	time.Sleep(20 * time.Millisecond)

	bridge.Publish(FillEvent{Side: common.SideBuy, Qty: 100, Price: 0.2, Ts: time.Now()})

	msg, err := stream.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	fields := msg.GetFields()
	if fields["side"].GetStringValue() != "BUY" {
		t.Errorf("side = %v, want BUY", fields["side"])
	}
	if fields["qty"].GetNumberValue() != 100 {
		t.Errorf("qty = %v, want 100", fields["qty"])
	}
	if fields["notional"].GetNumberValue() != 20 {
		t.Errorf("notional = %v, want 20", fields["notional"])
	}

	if stats := bridge.Stats(); stats.EventsPublished != 1 || stats.Subscribers != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestBridgePublishWithNoSubscribersDoesNotBlock(t *testing.T) {
	bridge := NewBridge(nil)
	done := make(chan struct{})
	go func() {
		bridge.Publish(FillEvent{Side: common.SideSell, Qty: 1, Price: 1, Ts: time.Now()})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Publish blocked with no subscribers")
	}
	if stats := bridge.Stats(); stats.Subscribers != 0 {
		t.Errorf("expected no subscribers, got %d", stats.Subscribers)
	}
}

func TestBridgePublishAlsoFansOutToEventBus(t *testing.T) {
	bus := events.NewBus()
	ch, unsub := bus.Subscribe(events.EventFillForHedge, 1)
	defer unsub()

	bridge := NewBridge(bus)
	bridge.Publish(FillEvent{Side: common.SideBuy, Qty: 5, Price: 2, Ts: time.Now()})

	select {
	case got := <-ch:
		fe, ok := got.(FillEvent)
		if !ok {
			t.Fatalf("expected FillEvent on bus, got %T", got)
		}
		if fe.Qty != 5 {
			t.Errorf("qty = %v, want 5", fe.Qty)
		}
	default:
		t.Fatalf("expected a buffered event on the bus")
	}
}
