package curb

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	soapNamespace = "https://www.taxitronic.org/VTS_SERVICE/"

	methodTripsLog     = "GET_TRIPS_LOG10"
	methodTransactions = "Get_Trans_By_Date_Cab12"
	methodReconcile    = "Reconciliation_TRIP_LOG"

	// apiTimeFormat is the provider's datetime layout.
	apiTimeFormat = "01/02/2006 15:04:05"
	// apiDateFormat is the provider's date-only layout.
	apiDateFormat = "01/02/2006"
)

// APIClient is one account's connection to the provider.
type APIClient interface {
	// FetchTripsLog returns the raw trip-log XML for the range. reconStat 0
	// selects unreconciled records, negative selects everything, positive
	// selects one reconciliation batch.
	FetchTripsLog(ctx context.Context, from, to time.Time, reconStat int) ([]byte, error)
	// FetchTransactions returns the raw card-transaction XML for the range.
	FetchTransactions(ctx context.Context, from, to time.Time) ([]byte, error)
	// ReconcileTrips flags the given external trip ids with a batch id on
	// the provider side.
	ReconcileTrips(ctx context.Context, tripIDs []string, batchID string, asOf time.Time) error
}

// ClientFactory builds an APIClient for an account. Jobs and services hold a
// factory so tests can substitute canned clients.
type ClientFactory func(Account) (APIClient, error)

// NewClientFactory returns a factory producing SOAP clients. The key opens
// each account's sealed password at call time.
func NewClientFactory(key [32]byte, timeout time.Duration) ClientFactory {
	httpClient := &http.Client{Timeout: timeout}
	return func(account Account) (APIClient, error) {
		password, err := OpenCredential(key, account.SealedPassword)
		if err != nil {
			return nil, fmt.Errorf("account %s: %w", account.Name, err)
		}
		return &soapClient{
			http:     httpClient,
			url:      account.APIURL,
			account:  account.Name,
			merchant: account.MerchantID,
			username: account.Username,
			password: password,
		}, nil
	}
}

type soapClient struct {
	http     *http.Client
	url      string
	account  string
	merchant string
	username string
	password string
}

var _ APIClient = (*soapClient)(nil)

// param preserves element order in the request body.
type param struct {
	name  string
	value string
}

func (c *soapClient) envelope(method string, params []param) []byte {
	var b bytes.Buffer
	b.WriteString(`<?xml version="1.0" encoding="utf-8"?>`)
	b.WriteString(`<soap:Envelope xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance"`)
	b.WriteString(` xmlns:xsd="http://www.w3.org/2001/XMLSchema"`)
	b.WriteString(` xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/">`)
	b.WriteString(`<soap:Body>`)
	fmt.Fprintf(&b, `<%s xmlns=%q>`, method, soapNamespace)
	fmt.Fprintf(&b, `<UserId>%s</UserId>`, xmlEscape(c.username))
	fmt.Fprintf(&b, `<Password>%s</Password>`, xmlEscape(c.password))
	fmt.Fprintf(&b, `<Merchant>%s</Merchant>`, xmlEscape(c.merchant))
	for _, p := range params {
		fmt.Fprintf(&b, `<%s>%s</%s>`, p.name, xmlEscape(p.value), p.name)
	}
	fmt.Fprintf(&b, `</%s>`, method)
	b.WriteString(`</soap:Body></soap:Envelope>`)
	return b.Bytes()
}

var xmlEscaper = strings.NewReplacer(
	"&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;", "'", "&apos;",
)

func xmlEscape(s string) string { return xmlEscaper.Replace(s) }

func (c *soapClient) call(ctx context.Context, method string, params []param) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(c.envelope(method, params)))
	if err != nil {
		return nil, &APIError{Account: c.account, Method: method, Err: err}
	}
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")
	req.Header.Set("SOAPAction", soapNamespace+method)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &APIError{Account: c.account, Method: method, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &APIError{Account: c.account, Method: method, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &APIError{
			Account: c.account,
			Method:  method,
			Err:     fmt.Errorf("status %d: %s", resp.StatusCode, truncate(body, 200)),
		}
	}
	return body, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

func (c *soapClient) FetchTripsLog(ctx context.Context, from, to time.Time, reconStat int) ([]byte, error) {
	return c.call(ctx, methodTripsLog, []param{
		{"DRIVERID", ""},
		{"CABNUMBER", ""},
		{"DATE_FROM", from.UTC().Format(apiTimeFormat)},
		{"DATE_TO", to.UTC().Format(apiTimeFormat)},
		{"RECON_STAT", fmt.Sprintf("%d", reconStat)},
	})
}

func (c *soapClient) FetchTransactions(ctx context.Context, from, to time.Time) ([]byte, error) {
	return c.call(ctx, methodTransactions, []param{
		{"fromDateTime", from.UTC().Format(apiTimeFormat)},
		{"ToDateTime", to.UTC().Format(apiTimeFormat)},
		{"CabNumber", ""},
		{"TranType", "ALL"},
	})
}

func (c *soapClient) ReconcileTrips(ctx context.Context, tripIDs []string, batchID string, asOf time.Time) error {
	_, err := c.call(ctx, methodReconcile, []param{
		{"DATE_FROM", asOf.UTC().Format(apiDateFormat)},
		{"RECON_STAT", batchID},
		{"ListIDs", strings.Join(tripIDs, ",")},
	})
	return err
}
