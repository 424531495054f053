package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendermint/starksync/types"
	"github.com/tendermint/starksync/version"
)

const blockOneResponse = `{
  "block": {
    "block_hash": "0x4e1f77f39545afe866ac151ac908bd1a347a2a8a7d58bef1276db4f06fdf2f6",
    "parent_block_hash": "0x7d328a71faf48c5c3857e99f20a77b18522480956d1cd5bff1ff2df3c8b427b",
    "block_number": 1,
    "state_root": "0x3f04ffa63e188d602796505a2ee4f6e1f294ee29a914b057af8e75b17259d9f",
    "status": "ACCEPTED_ON_L1",
    "timestamp": 1637084470,
    "sequencer_address": "0x1176a1bd84444c89232ec27754698e5d2e7e1a7f1539f12027f28b23ec9f3d8",
    "l1_gas_price": {"price_in_wei": "0x3b9aca00", "price_in_fri": "0x0"},
    "l1_data_gas_price": {"price_in_wei": "0x1", "price_in_fri": "0x2"},
    "l1_da_mode": "BLOB",
    "starknet_version": "0.13.1",
    "transactions": [{
      "transaction_hash": "0x1",
      "type": "INVOKE_FUNCTION",
      "version": "0x1",
      "sender_address": "0xabc",
      "nonce": "0x0",
      "max_fee": "0x10",
      "calldata": ["0x1", "0x2"],
      "signature": []
    }],
    "transaction_receipts": [{
      "transaction_hash": "0x1",
      "actual_fee": "0x5",
      "execution_status": "SUCCEEDED",
      "events": [{"from_address": "0xabc", "keys": ["0x9"], "data": ["0x8", "0x7"]}]
    }]
  },
  "state_update": {
    "block_hash": "0x4e1f77f39545afe866ac151ac908bd1a347a2a8a7d58bef1276db4f06fdf2f6",
    "new_root": "0x3f04ffa63e188d602796505a2ee4f6e1f294ee29a914b057af8e75b17259d9f",
    "old_root": "0x2",
    "state_diff": {
      "storage_diffs": {
        "0xb": [{"key": "0x1", "value": "0x2"}],
        "0xa": [{"key": "0x3", "value": "0x4"}]
      },
      "nonces": {"0xabc": "0x1"},
      "deployed_contracts": [{"address": "0xa", "class_hash": "0xc1"}],
      "old_declared_contracts": ["0xd0"],
      "declared_classes": [{"class_hash": "0xd1", "compiled_class_hash": "0xd2"}],
      "replaced_classes": [{"address": "0xb", "class_hash": "0xc2"}]
    }
  }
}`

const pendingResponse = `{
  "block": {
    "parent_block_hash": "0x4e1f77f39545afe866ac151ac908bd1a347a2a8a7d58bef1276db4f06fdf2f6",
    "status": "PENDING",
    "timestamp": 1637084500,
    "sequencer_address": "0x1",
    "starknet_version": "0.13.1",
    "transactions": [],
    "transaction_receipts": []
  },
  "state_update": {
    "old_root": "0x3f04ffa63e188d602796505a2ee4f6e1f294ee29a914b057af8e75b17259d9f",
    "state_diff": {"nonces": {"0xabc": "0x2"}}
  }
}`

func hexFelt(s string) types.Felt { return types.MustFeltFromHex(s) }

func newTestClient(t *testing.T, handler http.HandlerFunc, opts ...ClientOption) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(srv.URL+"/feeder_gateway/", opts...)
	require.NoError(t, err)
	return c
}

func TestGetBlock(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/feeder_gateway/get_state_update", r.URL.Path)
		assert.Equal(t, "1", r.URL.Query().Get("blockNumber"))
		assert.Equal(t, "true", r.URL.Query().Get("includeBlock"))
		assert.Equal(t, "secret", r.Header.Get(apiKeyHeader))
		assert.Equal(t, version.UserAgent(), r.Header.Get("User-Agent"))
		_, _ = w.Write([]byte(blockOneResponse))
	}, WithAPIKey("secret"))

	raw, err := c.GetBlock(context.Background(), 1)
	require.NoError(t, err)

	assert.EqualValues(t, 1, raw.Header.BlockNumber)
	assert.Equal(t, hexFelt("0x4e1f77f39545afe866ac151ac908bd1a347a2a8a7d58bef1276db4f06fdf2f6"), raw.BlockHash)
	assert.Equal(t, hexFelt("0x3f04ffa63e188d602796505a2ee4f6e1f294ee29a914b057af8e75b17259d9f"), raw.Header.GlobalStateRoot)
	assert.Equal(t, "0.13.1", raw.Header.ProtocolVersion)
	assert.Equal(t, types.L1DAModeBlob, raw.Header.L1DAMode)
	assert.Equal(t, *uint256.NewInt(1_000_000_000), raw.Header.L1GasPrice.EthL1GasPrice)
	assert.Equal(t, *uint256.NewInt(2), raw.Header.L1GasPrice.StrkL1DataGasPrice)

	require.Len(t, raw.Transactions, 1)
	assert.Equal(t, types.TxTypeInvoke, raw.Transactions[0].Type)
	assert.Equal(t, hexFelt("0xabc"), raw.Transactions[0].SenderAddress)
	require.Len(t, raw.Receipts, 1)
	require.Len(t, raw.Receipts[0].Events, 1)
	assert.Len(t, raw.Receipts[0].Events[0].Data, 2)

	diff := raw.StateDiff
	require.Len(t, diff.StorageDiffs, 2)
	assert.Equal(t, hexFelt("0xa"), diff.StorageDiffs[0].Address, "storage diffs are sorted by address")
	assert.Equal(t, []types.NonceUpdate{{ContractAddress: hexFelt("0xabc"), Nonce: hexFelt("0x1")}}, diff.Nonces)
	assert.Equal(t, []types.DeployedContract{{Address: hexFelt("0xa"), ClassHash: hexFelt("0xc1")}}, diff.DeployedContracts)
	assert.Equal(t, []types.ReplacedClass{{ContractAddress: hexFelt("0xb"), ClassHash: hexFelt("0xc2")}}, diff.ReplacedClasses)
	assert.Equal(t, []types.Felt{hexFelt("0xd0")}, diff.DeprecatedDeclaredClasses)
	assert.Equal(t, 7, diff.Len())
}

func TestGetPendingBlock(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "pending", r.URL.Query().Get("blockNumber"))
		_, _ = w.Write([]byte(pendingResponse))
	})

	raw, err := c.GetPendingBlock(context.Background())
	require.NoError(t, err)
	require.NotNil(t, raw)
	assert.Equal(t, hexFelt("0x4e1f77f39545afe866ac151ac908bd1a347a2a8a7d58bef1276db4f06fdf2f6"), raw.Header.ParentBlockHash)
	assert.EqualValues(t, 1637084500, raw.Header.BlockTimestamp)
	assert.Len(t, raw.StateDiff.Nonces, 1)
}

func TestGetPendingBlockClosed(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(blockOneResponse))
	})

	raw, err := c.GetPendingBlock(context.Background())
	require.NoError(t, err)
	assert.Nil(t, raw)
}

func TestGetBlockErrors(t *testing.T) {
	testCases := []struct {
		name      string
		status    int
		body      string
		notFound  bool
		transient bool
	}{
		{"block not found", http.StatusBadRequest, `{"code": "StarknetErrorCode.BLOCK_NOT_FOUND", "message": "Block number 99 was not found."}`, true, false},
		{"rate limited", http.StatusTooManyRequests, `Too Many Requests`, false, true},
		{"server error", http.StatusBadGateway, `{"code": "StarknetErrorCode.UNEXPECTED_FAILURE", "message": "oops"}`, false, true},
		{"bad request", http.StatusBadRequest, `{"code": "StarknetErrorCode.MALFORMED_REQUEST", "message": "no"}`, false, false},
		{"bad json", http.StatusOK, `{"block": {"block_number": "one"}}`, false, false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			})

			_, err := c.GetBlock(context.Background(), 99)
			require.Error(t, err)
			assert.Equal(t, tc.notFound, errors.Is(err, ErrBlockNotFound), "got %v", err)
			assert.Equal(t, tc.transient, IsTransient(err), "got %v", err)
		})
	}
}

func TestGetBlockTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}, WithRequestTimeout(20*time.Millisecond))

	_, err := c.GetBlock(context.Background(), 1)
	require.Error(t, err)
	assert.True(t, IsTransient(err), "got %v", err)
}

func TestRequestTimeoutKeepsSharedClient(t *testing.T) {
	shared := &http.Client{Timeout: time.Minute}

	for name, opts := range map[string][]ClientOption{
		"timeout last":  {WithHTTPClient(shared), WithRequestTimeout(time.Second)},
		"timeout first": {WithRequestTimeout(time.Second), WithHTTPClient(shared)},
	} {
		t.Run(name, func(t *testing.T) {
			c, err := NewClient("http://127.0.0.1:1/feeder_gateway", opts...)
			require.NoError(t, err)
			assert.Equal(t, time.Second, c.client.Timeout)
			assert.Equal(t, time.Minute, shared.Timeout)
		})
	}

	c, err := NewClient("http://127.0.0.1:1/feeder_gateway", WithHTTPClient(shared))
	require.NoError(t, err)
	assert.Same(t, shared, c.client)
}

func TestGetBlockCancelled(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.GetBlock(ctx, 1)
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, IsTransient(err))
}

func TestNewClientRejectsBadURL(t *testing.T) {
	_, err := NewClient("localhost:1234")
	assert.Error(t, err)
	_, err = NewClient("ftp://example.com")
	assert.Error(t, err)
}
