package curb

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Feed names used in parse errors and archive keys.
const (
	FeedTrips        = "trips"
	FeedTransactions = "transactions"
)

// The provider wraps its actual payload as escaped XML text inside the SOAP
// result element, so parsing is two passes: envelope, then inner document.

type tripsEnvelope struct {
	Result string `xml:"Body>GET_TRIPS_LOG10Response>GET_TRIPS_LOG10Result"`
}

type transEnvelope struct {
	Result string `xml:"Body>Get_Trans_By_Date_Cab12Response>Get_Trans_By_Date_Cab12Result"`
}

type tripRecord struct {
	Period       string `xml:"PERIOD,attr"`
	ID           string `xml:"ID,attr"`
	Driver       string `xml:"DRIVER,attr"`
	CabNumber    string `xml:"CABNUMBER,attr"`
	PaymentCode  string `xml:"T,attr"`
	StartDate    string `xml:"START_DATE,attr"`
	EndDate      string `xml:"END_DATE,attr"`
	Fare         string `xml:"TRIP,attr"`
	Tips         string `xml:"TIPS,attr"`
	Tolls        string `xml:"TOLLS,attr"`
	Extras       string `xml:"EXTRAS,attr"`
	TotalAmount  string `xml:"TOTAL_AMOUNT,attr"`
	Tax          string `xml:"TAX,attr"`
	ImpTax       string `xml:"IMPTAX,attr"`
	CongFee      string `xml:"CONGFEE,attr"`
	AirportFee   string `xml:"airportFee,attr"`
	CBDT         string `xml:"cbdt,attr"`
	Distance     string `xml:"DIST_SERVCE,attr"`
	Passengers   string `xml:"PASSENGER_NUM,attr"`
	StartLon     string `xml:"GPS_START_LO,attr"`
	StartLat     string `xml:"GPS_START_LA,attr"`
	EndLon       string `xml:"GPS_END_LO,attr"`
	EndLat       string `xml:"GPS_END_LA,attr"`
	NumService   string `xml:"NUM_SERVICE,attr"`
}

type tripsDocument struct {
	Records []tripRecord `xml:"TRIPS>RECORD"`
}

type tranRecord struct {
	RowID         string `xml:"ROWID,attr"`
	TripDate      string `xml:"TRIPDATE"`
	TripTimeStart string `xml:"TRIPTIMESTART"`
	TripTimeEnd   string `xml:"TRIPTIMEEND"`
	DriverID      string `xml:"TRIPDRIVERID"`
	CabNumber     string `xml:"CABNUMBER"`
	CCType        string `xml:"CC_TYPE"`
	Fare          string `xml:"TRIPTRIPS"`
	Tips          string `xml:"TRIPTIPS"`
	Tolls         string `xml:"TRIPTOLL"`
	Extras        string `xml:"TRIPEXTRAS"`
	Amount        string `xml:"AMOUNT"`
	Tax           string `xml:"TAX"`
	ImpTax        string `xml:"IMPTAX"`
	CongFee       string `xml:"CongFee"`
	AirportFee    string `xml:"airportFee"`
	CBDT          string `xml:"cbdt"`
	Distance      string `xml:"TRIPDIST"`
	DateTime      string `xml:"DATETIME"`
	FromLon       string `xml:"From_Lo"`
	FromLat       string `xml:"From_La"`
	ToLon         string `xml:"To_Lo"`
	ToLat         string `xml:"To_La"`
}

type transDocument struct {
	Records []tranRecord `xml:"trans>tran"`
}

// parseDecimal falls back to zero on blank or malformed values. Feed gaps are
// routine and must not fail an otherwise good record.
func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// parseCount falls back to one, the provider's implicit default.
func parseCount(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 1
	}
	return n
}

// parseAPITime falls back to now when the provider sends a malformed stamp.
func parseAPITime(s string, now time.Time) time.Time {
	t, err := time.ParseInLocation(apiTimeFormat, s, time.UTC)
	if err != nil {
		return now
	}
	return t
}

func mapPaymentCode(code string) PaymentType {
	switch code {
	case "$":
		return PaymentCash
	case "C", "P":
		return PaymentCreditCard
	default:
		return PaymentUnknown
	}
}

func unwrapInner(inner string, doc any, feed string) error {
	wrapped := "<root>" + inner + "</root>"
	if err := xml.Unmarshal([]byte(wrapped), doc); err != nil {
		return &ParseError{Feed: feed, Err: err}
	}
	return nil
}

// ParseTripsLog parses a raw GET_TRIPS_LOG10 response into trips. An envelope
// without a result element yields no trips and no error; a malformed envelope
// or inner document fails the whole feed.
func ParseTripsLog(payload []byte, accountID int64, now time.Time) ([]Trip, error) {
	var env tripsEnvelope
	if err := xml.Unmarshal(payload, &env); err != nil {
		return nil, &ParseError{Feed: FeedTrips, Err: err}
	}
	if env.Result == "" {
		return nil, nil
	}

	var doc tripsDocument
	if err := unwrapInner(env.Result, &doc, FeedTrips); err != nil {
		return nil, err
	}

	trips := make([]Trip, 0, len(doc.Records))
	for _, rec := range doc.Records {
		endTime := parseAPITime(rec.EndDate, now)
		trips = append(trips, Trip{
			AccountID:            accountID,
			CurbTripID:           fmt.Sprintf("%s-%s", rec.Period, rec.ID),
			CurbDriverID:         rec.Driver,
			CurbCabNumber:        rec.CabNumber,
			Status:               TripImported,
			PaymentType:          mapPaymentCode(rec.PaymentCode),
			StartTime:            parseAPITime(rec.StartDate, now),
			EndTime:              endTime,
			TransactionTime:      endTime,
			Fare:                 parseDecimal(rec.Fare),
			Tips:                 parseDecimal(rec.Tips),
			Tolls:                parseDecimal(rec.Tolls),
			Extras:               parseDecimal(rec.Extras),
			TotalAmount:          parseDecimal(rec.TotalAmount),
			Surcharge:            parseDecimal(rec.Tax),
			ImprovementSurcharge: parseDecimal(rec.ImpTax),
			CongestionFee:        parseDecimal(rec.CongFee),
			AirportFee:           parseDecimal(rec.AirportFee),
			CBDTollingFee:        parseDecimal(rec.CBDT),
			DistanceMiles:        parseDecimal(rec.Distance),
			NumPassengers:        parseCount(rec.Passengers),
			NumServices:          parseCount(rec.NumService),
			StartLon:             parseDecimal(rec.StartLon),
			StartLat:             parseDecimal(rec.StartLat),
			EndLon:               parseDecimal(rec.EndLon),
			EndLat:               parseDecimal(rec.EndLat),
		})
	}
	return trips, nil
}

// parseTranTime combines the transaction feed's split date and time fields.
func parseTranTime(date, clock string, now time.Time) time.Time {
	t, err := time.ParseInLocation(apiTimeFormat, date+" "+clock+":00", time.UTC)
	if err != nil {
		return now
	}
	return t
}

// ParseTransactions parses a raw Get_Trans_By_Date_Cab12 response into trips.
// Card transactions carry no passenger count; it defaults to one.
func ParseTransactions(payload []byte, accountID int64, now time.Time) ([]Trip, error) {
	var env transEnvelope
	if err := xml.Unmarshal(payload, &env); err != nil {
		return nil, &ParseError{Feed: FeedTransactions, Err: err}
	}
	if env.Result == "" {
		return nil, nil
	}

	var doc transDocument
	if err := unwrapInner(env.Result, &doc, FeedTransactions); err != nil {
		return nil, err
	}

	trips := make([]Trip, 0, len(doc.Records))
	for _, rec := range doc.Records {
		trips = append(trips, Trip{
			AccountID:            accountID,
			CurbTripID:           "TRANS-" + rec.RowID,
			CurbDriverID:         rec.DriverID,
			CurbCabNumber:        rec.CabNumber,
			Status:               TripImported,
			PaymentType:          PaymentCreditCard,
			StartTime:            parseTranTime(rec.TripDate, rec.TripTimeStart, now),
			EndTime:              parseTranTime(rec.TripDate, rec.TripTimeEnd, now),
			TransactionTime:      parseAPITime(rec.DateTime, now),
			Fare:                 parseDecimal(rec.Fare),
			Tips:                 parseDecimal(rec.Tips),
			Tolls:                parseDecimal(rec.Tolls),
			Extras:               parseDecimal(rec.Extras),
			TotalAmount:          parseDecimal(rec.Amount),
			Surcharge:            parseDecimal(rec.Tax),
			ImprovementSurcharge: parseDecimal(rec.ImpTax),
			CongestionFee:        parseDecimal(rec.CongFee),
			AirportFee:           parseDecimal(rec.AirportFee),
			CBDTollingFee:        parseDecimal(rec.CBDT),
			DistanceMiles:        parseDecimal(rec.Distance),
			NumPassengers:        1,
			NumServices:          1,
			StartLon:             parseDecimal(rec.FromLon),
			StartLat:             parseDecimal(rec.FromLat),
			EndLon:               parseDecimal(rec.ToLon),
			EndLat:               parseDecimal(rec.ToLat),
		})
	}
	return trips, nil
}
