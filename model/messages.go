package model

import (
	"fmt"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// User-facing message texts of the import taxonomy. Row and column numbers
// are 1-based as the user sees them in a spreadsheet.

var printer = message.NewPrinter(language.English)

func MsgFileTypeNotSupported() string {
	return "This file type is not supported. Allowed file types are csv, tsv, xls, xlsx."
}

func MsgErrorReadingFile() string {
	return "There was an error reading data from the file."
}

func MsgFileEmpty() string {
	return "There is no data in this file."
}

func MsgInvalidRowColumn(row int, column any, value, reason string) string {
	msg := fmt.Sprintf("Row %d, column %v contains invalid data \"%s\".", row, column, value)
	if reason != "" {
		msg += "Reason: " + reason
	}
	return msg
}

func MsgRequiredRowColumn(row int, column any) string {
	return fmt.Sprintf("Row %d, column %v: This field cannot be null.", row, column)
}

func MsgInvalidModelField(row int, column any, detail string) string {
	return fmt.Sprintf("Row %d, column %v: %s", row, column, detail)
}

func MsgInvalidRowGeneric(row int, reason string) string {
	if reason != "" {
		return fmt.Sprintf("Row %d: %s", row, reason)
	}
	return fmt.Sprintf("Row %d could not be imported due to errors.", row)
}

func MsgErrorImportingFromTransactionStore() string {
	return "An error was encountered while importing transactions"
}

func MsgFileTooLarge(limit int) string {
	return printer.Sprintf("The number of cost line items in the file submitted exceeds Dioptra’s data "+
		"limit of %d rows. Please double check the file and remove any cost line items that are $0. "+
		"If this error still persists, please contact the Dioptra administrator.", limit)
}

func MsgFileTooLargeTransactions(limit int) string {
	return printer.Sprintf("The number of transactions in the file submitted exceeds Dioptra’s data "+
		"limit of %d rows. Please double check the file. If this error still "+
		"persists, please contact the Dioptra administrator.", limit)
}

func MsgIncorrectHeaders(missing []string) string {
	return fmt.Sprintf("The uploaded file is missing required headers:  %s", strings.Join(missing, ", "))
}

func MsgValueTooLong(row int, column string, limit int) string {
	return fmt.Sprintf("Row %d column %s exceeds the character limit of %d", row, column, limit)
}

func MsgMissingData(row int, columns []string) string {
	return fmt.Sprintf("Row %d: A value must be present in one of these columns for this row to be valid: %s",
		row, strings.Join(columns, ", "))
}

func MsgInconsistentAccountCodeDescription(accountCode string) string {
	return fmt.Sprintf("The account code description: \"%s\" is inconsistent across the imported file. "+
		"Please check the associated Account code description and Sensitive Data column and try again.", accountCode)
}

func MsgMissingParameter(parameter string, row int) string {
	return fmt.Sprintf("The Parameter \"%s\" is required for the intervention on row: %d", parameter, row)
}

func MsgMissingCountries(countries []string) string {
	return fmt.Sprintf("All countries currently present in the system are required.  Missing '%s'", strings.Join(countries, ", "))
}

func MsgDuplicateCountryNames(countries []string) string {
	return fmt.Sprintf("Duplicate Country Names found: '%s'", strings.Join(countries, ", "))
}

func MsgInvalidRegion(row int, column any, region string) string {
	return fmt.Sprintf("Row %d, column %v: \"%s\" is an invalid Region.", row, column, region)
}
