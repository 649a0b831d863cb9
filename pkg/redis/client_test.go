package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"go.uber.org/zap/zaptest"
)

func TestOptions(t *testing.T) {
	opt, err := Options("redis://:pw@cache:6380/2", "ignored:1", "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if opt.Addr != "cache:6380" || opt.Password != "pw" || opt.DB != 2 {
		t.Fatalf("opt = %+v", opt)
	}
	if _, err := Options("http://nope", "", "", 0); err == nil {
		t.Fatal("bad scheme accepted")
	}
	opt, _ = Options("", "localhost:6379", "", 1)
	if opt.Addr != "localhost:6379" || opt.DB != 1 {
		t.Fatalf("opt = %+v", opt)
	}
}

func TestNewClientPings(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	opt, _ := Options("", mr.Addr(), "", 0)
	c, err := NewClient(context.Background(), opt, zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	c.Close()

	mr.Close()
	if _, err := NewClient(context.Background(), opt, nil); err == nil {
		t.Fatal("ping against closed server succeeded")
	}
}
