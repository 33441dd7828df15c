package device_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/xmihome/pkg/device"
)

type fakeCaller struct {
	method string
	params interface{}
	result string
	err    error
	closed bool
}

func (c *fakeCaller) Call(_ context.Context, method string, params interface{}) (json.RawMessage, error) {
	c.method = method
	c.params = params
	if c.err != nil {
		return nil, c.err
	}
	return json.RawMessage(c.result), nil
}

func (c *fakeCaller) Close() error {
	c.closed = true
	return nil
}

type fakeRequester struct {
	path   string
	data   interface{}
	result string
}

func (r *fakeRequester) Request(_ context.Context, path string, data interface{}) (json.RawMessage, error) {
	r.path = path
	r.data = data
	return json.RawMessage(r.result), nil
}

func testLog() *logrus.Entry {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(logger)
}

var powerProp = device.PropertyDescriptor{
	Name:   "power",
	Access: device.AccessRead | device.AccessWrite,
	Local:  &device.LocalLocation{SIID: 2, PIID: 1},
}

func TestLocalTransport(t *testing.T) {
	// GOAL: Verify property access maps to get/set_properties with siid/piid pairs

	t.Run("get", func(t *testing.T) {
		caller := &fakeCaller{result: `[{"siid":2,"piid":1,"code":0,"value":true}]`}
		tr := device.NewLocalTransport(caller, testLog())

		value, err := tr.GetProperty(context.Background(), &powerProp)
		require.NoError(t, err)
		assert.Equal(t, true, value)
		assert.Equal(t, "get_properties", caller.method)

		params, err := json.Marshal(caller.params)
		require.NoError(t, err)
		assert.JSONEq(t, `[{"siid":2,"piid":1}]`, string(params))
	})

	t.Run("set", func(t *testing.T) {
		caller := &fakeCaller{result: `[{"siid":2,"piid":1,"code":0}]`}
		tr := device.NewLocalTransport(caller, testLog())

		require.NoError(t, tr.SetProperty(context.Background(), &powerProp, false))
		assert.Equal(t, "set_properties", caller.method)

		params, err := json.Marshal(caller.params)
		require.NoError(t, err)
		assert.JSONEq(t, `[{"siid":2,"piid":1,"code":0,"value":false}]`, string(params))
	})

	t.Run("device rejection surfaces as error", func(t *testing.T) {
		caller := &fakeCaller{result: `[{"siid":2,"piid":1,"code":-4004}]`}
		tr := device.NewLocalTransport(caller, testLog())

		_, err := tr.GetProperty(context.Background(), &powerProp)
		assert.ErrorContains(t, err, "-4004")
	})

	t.Run("property without local location", func(t *testing.T) {
		bleOnly := device.PropertyDescriptor{
			Name:      "sensor",
			Access:    device.AccessRead,
			Bluetooth: &device.BluetoothLocation{Service: "0x1f10", Characteristic: "0x1f1f"},
		}
		tr := device.NewLocalTransport(&fakeCaller{}, testLog())

		_, err := tr.GetProperty(context.Background(), &bleOnly)
		var opErr *device.UnsupportedOperationError
		assert.ErrorAs(t, err, &opErr)
	})

	t.Run("close releases the session", func(t *testing.T) {
		caller := &fakeCaller{}
		tr := device.NewLocalTransport(caller, testLog())
		require.NoError(t, tr.Close(context.Background()))
		assert.True(t, caller.closed)
	})
}

func TestCloudTransport(t *testing.T) {
	// GOAL: Verify cloud property access hits the miotspec endpoints keyed by did

	t.Run("get", func(t *testing.T) {
		req := &fakeRequester{result: `{"result":[{"did":"1234567","siid":2,"piid":1,"code":0,"value":21.5}]}`}
		tr := device.NewCloudTransport(req, "1234567", testLog())

		value, err := tr.GetProperty(context.Background(), &powerProp)
		require.NoError(t, err)
		assert.Equal(t, 21.5, value)
		assert.Equal(t, "/miotspec/prop/get", req.path)

		data, err := json.Marshal(req.data)
		require.NoError(t, err)
		assert.JSONEq(t, `{"params":[{"did":"1234567","siid":2,"piid":1}]}`, string(data))
	})

	t.Run("set", func(t *testing.T) {
		req := &fakeRequester{result: `{"result":[{"did":"1234567","siid":2,"piid":1,"code":0}]}`}
		tr := device.NewCloudTransport(req, "1234567", testLog())

		require.NoError(t, tr.SetProperty(context.Background(), &powerProp, true))
		assert.Equal(t, "/miotspec/prop/set", req.path)
	})
}

func TestIdentityKey(t *testing.T) {
	// GOAL: Verify canonical key priority: path > mac > address > id

	cases := []struct {
		name     string
		identity device.Identity
		want     string
	}{
		{"path wins", device.Identity{Path: "/org/bluez/hci0/dev_A4_C1_38_01_02_03", MAC: "A4:C1:38:01:02:03"}, "dev_A4_C1_38_01_02_03"},
		{"mac beats address", device.Identity{MAC: "a4:c1:38:01:02:03", Address: "10.0.0.1"}, "A4:C1:38:01:02:03"},
		{"address beats id", device.Identity{Address: "10.0.0.1", ID: "42"}, "10.0.0.1"},
		{"id last", device.Identity{ID: "42"}, "42"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.identity.Key())
		})
	}
}
