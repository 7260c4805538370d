// Package lang implements the query language's lexer, parser, and bytecode
// compiler. There is no generated-grammar library behind this package: see
// DESIGN.md for why a hand-written recursive-descent compiler was chosen
// over alecthomas/participle.
package lang

// Kind identifies a lexical token category.
type Kind int

const (
	EOF Kind = iota
	Ident
	Int
	Float
	String
	Bool

	// Punctuation
	LBrace
	RBrace
	LParen
	RParen
	Comma
	Dot
	Assign

	// Operators
	Plus
	Minus
	Star
	Slash
	Eq
	Neq
	Gt
	Gte
	Lt
	Lte

	// Keywords
	KwIf
	KwElif
	KwElse
	KwFor
	KwRow
	KwReverse
	KwIn
	KwAnd
	KwOr
	KwNot
	KwWithin
	KwOf
	KwTally
	KwAs
	KwReturn
	KwBreak
	KwContinue
	KwVar
	KwNone
	KwSegment
)

var keywords = map[string]Kind{
	"if":       KwIf,
	"elif":     KwElif,
	"else":     KwElse,
	"for":      KwFor,
	"row":      KwRow,
	"reverse":  KwReverse,
	"in":       KwIn,
	"and":      KwAnd,
	"or":       KwOr,
	"not":      KwNot,
	"within":   KwWithin,
	"of":       KwOf,
	"tally":    KwTally,
	"as":       KwAs,
	"return":   KwReturn,
	"break":    KwBreak,
	"continue": KwContinue,
	"var":      KwVar,
	"none":     KwNone,
	"true":     Bool,
	"false":    Bool,
	"segment":  KwSegment,
}

// Token is one lexeme with its source position for debug-info attribution.
type Token struct {
	Kind Kind
	Text string
	Int  int64
	Flt  float64
	Line int
	Col  int
}
