package shopapi

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/TradeBridge/internal/models"
)

func TestParseCallback(t *testing.T) {
	body := []byte(`{"shop_id":12,"buyer":"Steve","items":[
		{"id":"42","name":"VIP","cost":100,"result":true,"rcon":[["lp user Steve group set vip","done"]]},
		{"id":"43","name":"Kit","result":false},
		"garbage",
		{"name":"no id","result":true},
		{"id":"44","result":true}
	],"hash":"abc"}`)

	p, err := ParseCallback(body)
	require.NoError(t, err)
	require.Equal(t, "12", p.ShopID)
	require.Equal(t, "Steve", p.Buyer)
	require.Equal(t, 1, p.Skipped)
	require.Len(t, p.Records, 4)

	require.Equal(t, models.PurchaseRecord{
		Buyer: "Steve", ItemID: "42", ItemName: "VIP", Succeeded: true,
		Commands: []string{"lp user Steve group set vip"}, Source: models.SourceCallback,
	}, p.Records[0])
	require.False(t, p.Records[1].Succeeded)
	require.Empty(t, p.Records[2].ItemID)
	require.Equal(t, "Item#44", p.Records[3].ItemName)
}

func TestParseCallbackRejectsWrongShape(t *testing.T) {
	for _, body := range []string{`[]`, `{"buyer":"x"}`, `{"items":{}}`, `not json`} {
		_, err := ParseCallback([]byte(body))
		require.ErrorIs(t, err, ErrMalformed, body)
	}
}

func TestNewCallbackBody(t *testing.T) {
	body, err := NewCallbackBody("12", "Steve", "42", "VIP", []string{"say hi"})
	require.NoError(t, err)
	require.Equal(t,
		`{"shop_id":"12","buyer":"Steve","items":[{"id":"42","name":"VIP","result":true,"rcon":[["say hi",""]]}]}`,
		string(body))

	p, err := ParseCallback(body)
	require.NoError(t, err)
	require.Equal(t, []string{"say hi"}, p.Records[0].Commands)
}
