package mpesa

import "strconv"

// STKCallback is the asynchronous result Daraja posts after an STK push.
type STKCallback struct {
	Body struct {
		StkCallback struct {
			MerchantRequestID string `json:"MerchantRequestID"`
			CheckoutRequestID string `json:"CheckoutRequestID"`
			ResultCode        int    `json:"ResultCode"`
			ResultDesc        string `json:"ResultDesc"`
			CallbackMetadata  struct {
				Item []CallbackItem `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

// CallbackItem is a single name/value pair in callback metadata.
type CallbackItem struct {
	Name  string `json:"Name"`
	Value any    `json:"Value"`
}

// Success reports whether the customer completed the payment.
func (c *STKCallback) Success() bool {
	return c.Body.StkCallback.ResultCode == 0
}

// Receipt returns the MpesaReceiptNumber from callback metadata, or "".
func (c *STKCallback) Receipt() string {
	return itemString(c.Body.StkCallback.CallbackMetadata.Item, "MpesaReceiptNumber")
}

// Amount returns the confirmed amount from callback metadata, or "".
func (c *STKCallback) Amount() string {
	return itemString(c.Body.StkCallback.CallbackMetadata.Item, "Amount")
}

// Phone returns the paying phone number from callback metadata, or "".
func (c *STKCallback) Phone() string {
	return itemString(c.Body.StkCallback.CallbackMetadata.Item, "PhoneNumber")
}

// B2CCallback is the asynchronous result Daraja posts after a B2C payout.
type B2CCallback struct {
	Result struct {
		ResultType               int    `json:"ResultType"`
		ResultCode               int    `json:"ResultCode"`
		ResultDesc               string `json:"ResultDesc"`
		OriginatorConversationID string `json:"OriginatorConversationID"`
		ConversationID           string `json:"ConversationID"`
		TransactionID            string `json:"TransactionID"`
		ResultParameters         struct {
			ResultParameter []CallbackItem `json:"ResultParameter"`
		} `json:"ResultParameters"`
	} `json:"Result"`
}

// Success reports whether the payout landed.
func (c *B2CCallback) Success() bool {
	return c.Result.ResultCode == 0
}

// Receipt returns the TransactionReceipt, falling back to TransactionID.
func (c *B2CCallback) Receipt() string {
	if r := itemString(c.Result.ResultParameters.ResultParameter, "TransactionReceipt"); r != "" {
		return r
	}
	return c.Result.TransactionID
}

// itemString finds a metadata item by name and renders its value as a
// string. Daraja mixes strings and numbers in the Value field.
func itemString(items []CallbackItem, name string) string {
	for _, it := range items {
		if it.Name != name {
			continue
		}
		switch v := it.Value.(type) {
		case string:
			return v
		case float64:
			if v == float64(int64(v)) {
				return strconv.FormatInt(int64(v), 10)
			}
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}
