package models

import (
	"database/sql/driver"
	"errors"
	"strconv"
	"time"
)

// MyDateString is a local date-time string from the API that gets normalized
// to UTC against the business timezone before querying.
type MyDateString time.Time

func (t MyDateString) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(time.Time(t).Format("2006-01-02T15:04:05"))), nil
}

func (t *MyDateString) UnmarshalJSON(data []byte) error {
	str, err := strconv.Unquote(string(data))
	if err != nil {
		return errors.New("MyDateString must be string")
	}

	localTime, err := time.Parse("2006-01-02T15:04:05", str)
	if err != nil {
		return errors.New("error parsing datetime")
	}
	*t = MyDateString(localTime)

	return nil
}

// Value lets MyDateString be passed directly as a query argument.
func (t MyDateString) Value() (driver.Value, error) {
	return time.Time(t), nil
}

func (t *MyDateString) StartOfDayUTCTime(timezone string) error {
	if t == nil {
		return nil
	}

	localTime := time.Time(*t)

	if timezone == "" {
		timezone = "Asia/Yangon"
	}

	location, err := time.LoadLocation(timezone)
	if err != nil {
		return err
	}

	localTimeInZone := time.Date(
		localTime.Year(), localTime.Month(), localTime.Day(),
		0, 0, 0, 0,
		location,
	)

	utcTime := localTimeInZone.In(time.UTC)
	*t = MyDateString(utcTime)

	return nil
}

func (t *MyDateString) EndOfDayUTCTime(timezone string) error {
	if t == nil {
		return nil
	}

	localTime := time.Time(*t)

	if timezone == "" {
		timezone = "Asia/Yangon"
	}

	location, err := time.LoadLocation(timezone)
	if err != nil {
		return err
	}

	localTimeInZone := time.Date(
		localTime.Year(), localTime.Month(), localTime.Day(),
		23, 59, 59, 999,
		location,
	)

	utcTime := localTimeInZone.In(time.UTC)
	*t = MyDateString(utcTime)

	return nil
}
