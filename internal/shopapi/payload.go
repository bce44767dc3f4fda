package shopapi

import (
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/tidwall/gjson"

	"github.com/BTreeMap/TradeBridge/internal/models"
)

// ErrMalformed is returned when a payload does not have the expected top-level shape.
var ErrMalformed = errors.New("malformed marketplace payload")

// ParsePurchases decodes a shop.getLastPurchases body:
// {"response":[{"buyer":"..","item":{"id":..,"name":".."}}]}.
// Entries without an item object are skipped and counted.
func ParsePurchases(body []byte) ([]models.PurchaseRecord, int, error) {
	resp := gjson.GetBytes(body, "response")
	if !resp.IsArray() {
		return nil, 0, ErrMalformed
	}

	var records []models.PurchaseRecord
	skipped := 0
	resp.ForEach(func(_, entry gjson.Result) bool {
		item := entry.Get("item")
		if !entry.IsObject() || !item.IsObject() {
			skipped++
			return true
		}
		id := item.Get("id").String()
		name := item.Get("name").String()
		if name == "" {
			name = id
		}
		records = append(records, models.PurchaseRecord{
			Buyer:     entry.Get("buyer").String(),
			ItemID:    id,
			ItemName:  name,
			Succeeded: true,
			Source:    models.SourcePoll,
		})
		return true
	})
	return records, skipped, nil
}

// CallbackPayload is a decoded callback body.
type CallbackPayload struct {
	ShopID  string
	Buyer   string
	Records []models.PurchaseRecord
	// Skipped counts items that were not JSON objects.
	Skipped int
}

// ParseCallback decodes a callback body:
// {"shop_id":..,"buyer":"..","items":[{"id":..,"name":"..","cost":..,"result":true,"rcon":[["cmd","msg"]]}],"hash":".."}.
// The signature must be verified before calling it.
func ParseCallback(body []byte) (CallbackPayload, error) {
	root := gjson.ParseBytes(body)
	items := root.Get("items")
	if !root.IsObject() || !items.IsArray() {
		return CallbackPayload{}, ErrMalformed
	}

	p := CallbackPayload{
		ShopID: root.Get("shop_id").String(),
		Buyer:  root.Get("buyer").String(),
	}
	items.ForEach(func(_, item gjson.Result) bool {
		if !item.IsObject() {
			p.Skipped++
			return true
		}
		id := item.Get("id").String()
		name := item.Get("name").String()
		if name == "" && id != "" {
			name = "Item#" + id
		}
		p.Records = append(p.Records, models.PurchaseRecord{
			Buyer:     p.Buyer,
			ItemID:    id,
			ItemName:  name,
			Succeeded: item.Get("result").Bool(),
			Commands:  rconCommands(item.Get("rcon")),
			Source:    models.SourceCallback,
		})
		return true
	})
	return p, nil
}

// rconCommands extracts the command of each [command, message] pair.
// Bare strings are accepted as commands too.
func rconCommands(rcon gjson.Result) []string {
	if !rcon.IsArray() {
		return nil
	}
	var cmds []string
	rcon.ForEach(func(_, pair gjson.Result) bool {
		var cmd string
		switch {
		case pair.IsArray():
			cmd = pair.Get("0").String()
		case pair.Type == gjson.String:
			cmd = pair.Str
		}
		if cmd != "" {
			cmds = append(cmds, cmd)
		} else {
			slog.Debug("rconCommands: ignoring empty descriptor", "raw", pair.Raw)
		}
		return true
	})
	return cmds
}

type callbackItem struct {
	ID     string     `json:"id"`
	Name   string     `json:"name"`
	Result bool       `json:"result"`
	Rcon   [][]string `json:"rcon,omitempty"`
}

type callbackBody struct {
	ShopID string         `json:"shop_id"`
	Buyer  string         `json:"buyer"`
	Items  []callbackItem `json:"items"`
}

// NewCallbackBody builds an unsigned callback body for a single successful item,
// in the member order the marketplace uses.
func NewCallbackBody(shopID, buyer, itemID, itemName string, commands []string) ([]byte, error) {
	item := callbackItem{ID: itemID, Name: itemName, Result: true}
	for _, c := range commands {
		item.Rcon = append(item.Rcon, []string{c, ""})
	}
	return json.Marshal(callbackBody{ShopID: shopID, Buyer: buyer, Items: []callbackItem{item}})
}
