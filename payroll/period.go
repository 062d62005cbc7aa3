package payroll

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/restaurant-ledger/ledger"
)

// Period is an inclusive range of calendar days.
type Period struct {
	Start time.Time
	End   time.Time
}

func (p Period) String() string {
	return p.Start.Format("2006-01-02") + " to " + p.End.Format("2006-01-02")
}

// DateOf truncates t to its calendar day, keeping t's location for the day
// boundary and returning midnight UTC.
func DateOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// DaysIn returns the number of days of a month.
func DaysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// AdjustedPaymentDay clamps a configured pay day to the month of date, so a
// day-31 employee is paid on the 28th/29th in February.
func AdjustedPaymentDay(configured int, date time.Time) int {
	last := DaysIn(date.Year(), date.Month())
	if configured > last {
		return last
	}
	return configured
}

// IsPayDay reports whether date is the employee's adjusted pay day.
func IsPayDay(e Employee, date time.Time) bool {
	if !e.Active() {
		return false
	}
	return date.Day() == AdjustedPaymentDay(*e.PaymentDay, date)
}

// PayPeriod returns the period paid on today.
//
//	MONTHLY:            the whole previous month
//	BIWEEKLY, day <=15: 16th to end of previous month
//	BIWEEKLY, day > 15: 1st to 15th of current month
func PayPeriod(freq Frequency, today time.Time) Period {
	today = DateOf(today)
	firstOfMonth := time.Date(today.Year(), today.Month(), 1, 0, 0, 0, 0, time.UTC)
	prevMonthEnd := firstOfMonth.AddDate(0, 0, -1)
	prevMonthStart := time.Date(prevMonthEnd.Year(), prevMonthEnd.Month(), 1, 0, 0, 0, 0, time.UTC)

	if freq == Monthly {
		return Period{Start: prevMonthStart, End: prevMonthEnd}
	}
	if today.Day() <= 15 {
		return Period{Start: prevMonthStart.AddDate(0, 0, 15), End: prevMonthEnd}
	}
	return Period{Start: firstOfMonth, End: firstOfMonth.AddDate(0, 0, 14)}
}

var two = decimal.NewFromInt(2)

// PaymentAmount is the full salary for MONTHLY and half of it, rounded half
// up to cents, for BIWEEKLY.
func PaymentAmount(salary ledger.Money, freq Frequency) ledger.Money {
	if freq == Biweekly {
		return salary.Div(two).Round(2)
	}
	return salary
}
