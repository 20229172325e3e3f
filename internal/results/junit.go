package results

import (
	"encoding/xml"

	"github.com/PicoPiece/ats-ats-node/internal/runner"
)

// JUnit report naming, kept stable for CI ingestion.
const (
	junitSuiteName = "ATS Hardware Tests"
	junitClassname = "HardwareTest"
)

type junitTestSuites struct {
	XMLName xml.Name         `xml:"testsuites"`
	Suites  []junitTestSuite `xml:"testsuite"`
}

type junitTestSuite struct {
	Name     string          `xml:"name,attr"`
	Tests    int             `xml:"tests,attr"`
	Failures int             `xml:"failures,attr"`
	Skipped  int             `xml:"skipped,attr"`
	Time     float64         `xml:"time,attr"`
	Cases    []junitTestCase `xml:"testcase"`
}

type junitTestCase struct {
	Name      string        `xml:"name,attr"`
	Classname string        `xml:"classname,attr"`
	Time      float64       `xml:"time,attr"`
	Failure   *junitFailure `xml:"failure,omitempty"`
	Skipped   *junitSkipped `xml:"skipped,omitempty"`
}

type junitFailure struct {
	Message string `xml:"message,attr,omitempty"`
	Body    string `xml:",chardata"`
}

type junitSkipped struct{}

// junitReport renders the bundle's test cases as JUnit XML.
func junitReport(cases []runner.Case) ([]byte, error) {
	suite := junitTestSuite{Name: junitSuiteName, Tests: len(cases)}
	for _, c := range cases {
		tc := junitTestCase{
			Name:      c.Name,
			Classname: junitClassname,
			Time:      c.DurationSeconds,
		}
		suite.Time += c.DurationSeconds
		switch c.Status {
		case runner.StatusFail:
			suite.Failures++
			tc.Failure = &junitFailure{Message: c.Failure, Body: c.Failure}
		case runner.StatusSkip:
			suite.Skipped++
			tc.Skipped = &junitSkipped{}
		}
		suite.Cases = append(suite.Cases, tc)
	}

	doc := junitTestSuites{Suites: []junitTestSuite{suite}}
	data, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), append(data, '\n')...), nil
}
