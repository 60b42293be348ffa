package model

import "time"

// Job is one archive file scheduled for decoding.
type Job struct {
	Counterpart string
	Input       string
	Output      string
	// Day is the date encoded in the input file name, zero if it has none.
	Day time.Time
}

// Conversation is the decoded content of one archive file, handed to the
// export sinks after its text file has been written.
type Conversation struct {
	Job      Job
	Local    string
	Hash     string
	Text     []byte
	// Charset of Text, empty when the archive bytes were copied verbatim.
	Charset  string
	Lines    int
	Started  time.Time
	Finished time.Time
}
