package fake

import (
	"context"
	"errors"
	"testing"

	"go.viam.com/test"
)

func TestDefaultAdapter(t *testing.T) {
	ctx := context.Background()
	a := New()

	ports, err := a.ActivateTools(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ports, test.ShouldHaveLength, 1)
	test.That(t, ports[0].Tools, test.ShouldHaveLength, 1)

	frame, err := a.FetchFrame(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, frame.Samples, test.ShouldHaveLength, 1)
	test.That(t, frame.Samples[0].Quaternion, test.ShouldResemble, [4]float64{0, 0, 0, 1})
	test.That(t, frame.Samples[0].InView, test.ShouldBeTrue)
	test.That(t, a.Frames(), test.ShouldEqual, 1)
	test.That(t, a.Calls(OpFetchFrame), test.ShouldEqual, 1)
}

func TestConfigAndHiddenWindow(t *testing.T) {
	ctx := context.Background()
	a := NewFromConfig(Config{
		Ports: []PortConfig{{Name: "a", Tools: []string{"pointer"}}, {Name: "b", Tools: []string{"ref", "stylus"}}},
		Step:  [3]float64{1, 0, 0},
	})
	a.HideTool(1, 1, 1, 2)

	for i := 0; i < 4; i++ {
		frame, err := a.FetchFrame(ctx)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, frame.Samples, test.ShouldHaveLength, 3)
		test.That(t, frame.Samples[0].Translation[0], test.ShouldEqual, float64(i))
		test.That(t, frame.Samples[1].InView, test.ShouldBeTrue)
		test.That(t, frame.Samples[2].InView, test.ShouldEqual, i < 1 || i > 2)
	}
}

func TestFailures(t *testing.T) {
	ctx := context.Background()
	a := New()
	boom := errors.New("boom")

	a.Fail(OpOpen, boom)
	err := a.Open(ctx)
	test.That(t, errors.Is(err, boom), test.ShouldBeTrue)
	a.Fail(OpOpen, nil)
	test.That(t, a.Open(ctx), test.ShouldBeNil)
	test.That(t, a.Calls(OpOpen), test.ShouldEqual, 2)

	a.Fail(OpFetchFrame, boom)
	_, err = a.FetchFrame(ctx)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, a.Frames(), test.ShouldEqual, 0)

	a.Panic(OpReset, "oops")
	test.That(t, func() { a.Reset(ctx) }, test.ShouldPanic)
	test.That(t, a.Reset(ctx), test.ShouldBeNil)
}

func TestValidate(t *testing.T) {
	cfg := Config{Ports: []PortConfig{{Name: "a"}}}
	err := cfg.Validate("adapter")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "adapter.ports.0")

	cfg.Ports[0].Tools = []string{"x"}
	test.That(t, cfg.Validate("adapter"), test.ShouldBeNil)
}
