package expression

import (
	"strings"
)

type tokenType string

const (
	tokIllegal tokenType = "ILLEGAL"
	tokEOF     tokenType = "EOF"

	// tokIdent is a name with an optional dotted suffix: a function name,
	// a keyword, or a segment path such as PID.3.1
	tokIdent  tokenType = "IDENT"
	tokVar    tokenType = "VAR"
	tokString tokenType = "STRING"
	tokNumber tokenType = "NUMBER"

	tokPipe   tokenType = "|"
	tokComma  tokenType = ","
	tokLParen tokenType = "("
	tokRParen tokenType = ")"
)

type token struct {
	typ     tokenType
	literal string
	pos     int
}

type lexer struct {
	input        string
	position     int
	readPosition int
	ch           byte
}

func newLexer(input string) *lexer {
	l := &lexer{input: input}
	l.readChar()
	return l
}

func (l *lexer) readChar() {
	if l.readPosition >= len(l.input) {
		l.ch = 0
	} else {
		l.ch = l.input[l.readPosition]
	}
	l.position = l.readPosition
	l.readPosition++
}

func (l *lexer) peekChar() byte {
	if l.readPosition >= len(l.input) {
		return 0
	}
	return l.input[l.readPosition]
}

func (l *lexer) skipWhitespace() {
	for l.ch == ' ' || l.ch == '\t' || l.ch == '\n' || l.ch == '\r' {
		l.readChar()
	}
}

func (l *lexer) next() token {
	l.skipWhitespace()
	pos := l.position

	var tok token
	switch l.ch {
	case 0:
		return token{typ: tokEOF, pos: pos}
	case '|':
		tok = token{typ: tokPipe, literal: "|", pos: pos}
	case ',':
		tok = token{typ: tokComma, literal: ",", pos: pos}
	case '(':
		tok = token{typ: tokLParen, literal: "(", pos: pos}
	case ')':
		tok = token{typ: tokRParen, literal: ")", pos: pos}
	case '\'':
		s, ok := l.readString()
		if !ok {
			return token{typ: tokIllegal, literal: "unterminated string", pos: pos}
		}
		return token{typ: tokString, literal: s, pos: pos}
	case '$':
		l.readChar()
		if !isLetter(l.ch) {
			return token{typ: tokIllegal, literal: "$", pos: pos}
		}
		return token{typ: tokVar, literal: l.readDotted(), pos: pos}
	default:
		switch {
		case isLetter(l.ch):
			return token{typ: tokIdent, literal: l.readDotted(), pos: pos}
		case isDigit(l.ch) || (l.ch == '-' && isDigit(l.peekChar())):
			return token{typ: tokNumber, literal: l.readNumber(), pos: pos}
		}
		tok = token{typ: tokIllegal, literal: string(l.ch), pos: pos}
	}
	l.readChar()
	return tok
}

// readDotted reads a name followed by any number of .name or .digits parts
func (l *lexer) readDotted() string {
	start := l.position
	for isLetter(l.ch) || isDigit(l.ch) || l.ch == '_' {
		l.readChar()
	}
	for l.ch == '.' && (isLetter(l.peekChar()) || isDigit(l.peekChar())) {
		l.readChar()
		for isLetter(l.ch) || isDigit(l.ch) || l.ch == '_' {
			l.readChar()
		}
	}
	return l.input[start:l.position]
}

func (l *lexer) readNumber() string {
	start := l.position
	if l.ch == '-' {
		l.readChar()
	}
	for isDigit(l.ch) {
		l.readChar()
	}
	if l.ch == '.' && isDigit(l.peekChar()) {
		l.readChar()
		for isDigit(l.ch) {
			l.readChar()
		}
	}
	return l.input[start:l.position]
}

// readString reads a single-quoted string. '' and \' both escape a quote.
func (l *lexer) readString() (string, bool) {
	var sb strings.Builder
	l.readChar()
	for {
		switch l.ch {
		case 0:
			return "", false
		case '\'':
			if l.peekChar() != '\'' {
				l.readChar()
				return sb.String(), true
			}
			sb.WriteByte('\'')
			l.readChar()
		case '\\':
			l.readChar()
			switch l.ch {
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			case 0:
				return "", false
			default:
				sb.WriteByte(l.ch)
			}
		default:
			sb.WriteByte(l.ch)
		}
		l.readChar()
	}
}

func isLetter(ch byte) bool {
	return ch >= 'a' && ch <= 'z' || ch >= 'A' && ch <= 'Z' || ch == '_'
}

func isDigit(ch byte) bool {
	return ch >= '0' && ch <= '9'
}
