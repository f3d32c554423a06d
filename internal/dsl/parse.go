package dsl

import (
	"strconv"
	"strings"
	"text/scanner"

	"github.com/jacentio/magicdb/catalog"
)

type token struct {
	kind rune // a scanner token class or the punctuation rune itself
	text string
	pos  scanner.Position
}

// lex splits stmt into tokens, ending with an EOF token.
func lex(stmt string) ([]token, error) {
	var s scanner.Scanner
	s.Init(strings.NewReader(stmt))
	s.Mode = scanner.ScanIdents | scanner.ScanInts | scanner.ScanFloats |
		scanner.ScanStrings | scanner.ScanRawStrings | scanner.ScanComments | scanner.SkipComments

	var lexErr *SyntaxError
	s.Error = func(s *scanner.Scanner, msg string) {
		if lexErr != nil {
			return
		}
		pos := s.Position
		if !pos.IsValid() {
			pos = s.Pos()
		}
		lexErr = &SyntaxError{Line: pos.Line, Column: pos.Column, Near: s.TokenText(), Msg: msg}
	}

	var toks []token
	for {
		r := s.Scan()
		if r == scanner.EOF {
			toks = append(toks, token{kind: r, pos: s.Pos()})
			break
		}
		toks = append(toks, token{kind: r, text: s.TokenText(), pos: s.Position})
	}
	if lexErr != nil {
		return nil, lexErr
	}
	return toks, nil
}

// Parse parses a single statement.
func Parse(stmt string) (Command, error) {
	toks, err := lex(stmt)
	if err != nil {
		return Command{}, err
	}
	p := &parser{toks: toks}

	cmd, err := p.statement()
	if err != nil {
		return Command{}, err
	}
	p.accept(';')
	if t := p.peek(); t.kind != scanner.EOF {
		return Command{}, p.errorf(t, "unexpected input after statement")
	}
	return cmd, nil
}

type parser struct {
	toks []token
	i    int
}

func (p *parser) peek() token { return p.toks[p.i] }

func (p *parser) next() token {
	t := p.toks[p.i]
	if t.kind != scanner.EOF {
		p.i++
	}
	return t
}

func (p *parser) errorf(t token, msg string) *SyntaxError {
	return &SyntaxError{Line: t.pos.Line, Column: t.pos.Column, Near: t.text, Msg: msg}
}

func isKeyword(t token, word string) bool {
	return t.kind == scanner.Ident && strings.EqualFold(t.text, word)
}

// keyword consumes the next token if it is word.
func (p *parser) keyword(word string) bool {
	if isKeyword(p.peek(), word) {
		p.i++
		return true
	}
	return false
}

// leadingKeyword consumes word unless it is the database part of a
// qualified table name ("table.t").
func (p *parser) leadingKeyword(word string) bool {
	if isKeyword(p.peek(), word) && p.toks[p.i+1].kind != '.' {
		p.i++
		return true
	}
	return false
}

func (p *parser) expectKeywords(words ...string) error {
	for _, word := range words {
		if !p.keyword(word) {
			return p.errorf(p.peek(), "expected "+strings.ToUpper(word))
		}
	}
	return nil
}

func (p *parser) accept(r rune) bool {
	if p.peek().kind == r {
		p.i++
		return true
	}
	return false
}

func (p *parser) expect(r rune) error {
	if !p.accept(r) {
		return p.errorf(p.peek(), "expected '"+string(r)+"'")
	}
	return nil
}

// ident reads a bare or back-quoted identifier.
func (p *parser) ident(what string) (string, error) {
	t := p.peek()
	switch t.kind {
	case scanner.Ident:
		p.i++
		return t.text, nil
	case scanner.RawString:
		p.i++
		name, err := strconv.Unquote(t.text)
		if err != nil || name == "" {
			return "", p.errorf(t, "invalid "+what)
		}
		return name, nil
	}
	return "", p.errorf(t, "expected "+what)
}

func (p *parser) tableRef() (db, table string, err error) {
	if db, err = p.ident("database name"); err != nil {
		return "", "", err
	}
	if !p.accept('.') {
		return "", "", p.errorf(p.peek(), "expected '.' and table name")
	}
	if table, err = p.ident("table name"); err != nil {
		return "", "", err
	}
	return db, table, nil
}

// str reads a double-quoted string literal.
func (p *parser) str(what string) (string, error) {
	t := p.peek()
	if t.kind != scanner.String {
		return "", p.errorf(t, "expected quoted "+what)
	}
	p.i++
	s, err := strconv.Unquote(t.text)
	if err != nil {
		return "", p.errorf(t, "invalid string literal")
	}
	return s, nil
}

// parenStr reads ("value").
func (p *parser) parenStr(what string) (string, error) {
	if err := p.expect('('); err != nil {
		return "", err
	}
	s, err := p.str(what)
	if err != nil {
		return "", err
	}
	if err := p.expect(')'); err != nil {
		return "", err
	}
	return s, nil
}

func (p *parser) ifExists() (bool, error) {
	if !p.leadingKeyword("if") {
		return false, nil
	}
	return true, p.expectKeywords("exists")
}

func (p *parser) ifNotExists() (bool, error) {
	if !p.leadingKeyword("if") {
		return false, nil
	}
	return true, p.expectKeywords("not", "exists")
}

func (p *parser) statement() (Command, error) {
	t := p.next()
	if t.kind != scanner.Ident {
		return Command{}, p.errorf(t, "expected a statement")
	}
	switch strings.ToLower(t.text) {
	case "create":
		return p.create()
	case "drop":
		return p.drop()
	case "show":
		return p.show()
	case "alter":
		return p.alter()
	case "desc", "describe":
		return p.desc()
	case "load":
		return p.load()
	case "check":
		return Command{Kind: KindCheckCatalog}, p.expectKeywords("catalog")
	case "repair":
		return Command{Kind: KindRepairCatalog}, p.expectKeywords("catalog")
	}
	return Command{}, p.errorf(t, "unknown statement")
}

func (p *parser) create() (cmd Command, err error) {
	switch {
	case p.keyword("database"):
		cmd.Kind = KindCreateDatabase
		if cmd.IfNotExists, err = p.ifNotExists(); err != nil {
			return cmd, err
		}
		if cmd.Database, err = p.ident("database name"); err != nil {
			return cmd, err
		}
	case p.keyword("table"):
		cmd.Kind = KindCreateTable
		if cmd.IfNotExists, err = p.ifNotExists(); err != nil {
			return cmd, err
		}
		if cmd.Database, cmd.Table, err = p.tableRef(); err != nil {
			return cmd, err
		}
	default:
		return cmd, p.errorf(p.peek(), "expected DATABASE or TABLE")
	}

	if err := p.expectKeywords("with", "properties"); err != nil {
		return cmd, err
	}
	cmd.Properties, err = p.properties()
	return cmd, err
}

func (p *parser) drop() (cmd Command, err error) {
	switch {
	case p.keyword("database"):
		cmd.Kind = KindDropDatabase
		if cmd.IfExists, err = p.ifExists(); err != nil {
			return cmd, err
		}
		cmd.Database, err = p.ident("database name")
	case p.keyword("table"):
		cmd.Kind = KindDropTable
		if cmd.IfExists, err = p.ifExists(); err != nil {
			return cmd, err
		}
		cmd.Database, cmd.Table, err = p.tableRef()
	default:
		err = p.errorf(p.peek(), "expected DATABASE or TABLE")
	}
	return cmd, err
}

func (p *parser) show() (cmd Command, err error) {
	switch {
	case p.keyword("databases"):
		cmd.Kind = KindShowDatabases
	case p.keyword("machines"):
		cmd.Kind = KindShowMachines
		cmd.Database, err = p.ident("database name")
	case p.keyword("tables"):
		cmd.Kind = KindShowTables
		cmd.Database, err = p.ident("database name")
	case p.keyword("versions"):
		cmd.Kind = KindShowVersions
		cmd.Database, cmd.Table, err = p.tableRef()
	case p.keyword("current"):
		cmd.Kind = KindShowCurrentVersion
		if err = p.expectKeywords("version"); err != nil {
			return cmd, err
		}
		cmd.Database, cmd.Table, err = p.tableRef()
	default:
		err = p.errorf(p.peek(), "expected DATABASES, MACHINES, TABLES, VERSIONS or CURRENT VERSION")
	}
	return cmd, err
}

func (p *parser) alter() (cmd Command, err error) {
	switch {
	case p.keyword("database"):
		if cmd.Database, err = p.ident("database name"); err != nil {
			return cmd, err
		}
		switch {
		case p.keyword("add"):
			cmd.Kind = KindAddMachine
		case p.keyword("drop"):
			cmd.Kind = KindDropMachine
		default:
			return cmd, p.errorf(p.peek(), "expected ADD or DROP")
		}
		if err = p.expectKeywords("machine"); err != nil {
			return cmd, err
		}
		cmd.Arg, err = p.parenStr("machine id")
	case p.keyword("table"):
		if cmd.Database, cmd.Table, err = p.tableRef(); err != nil {
			return cmd, err
		}
		switch {
		case p.keyword("update"):
			cmd.Kind = KindUpdateVersion
		case p.keyword("drop"):
			cmd.Kind = KindDropVersion
		default:
			return cmd, p.errorf(p.peek(), "expected UPDATE or DROP")
		}
		if err = p.expectKeywords("version"); err != nil {
			return cmd, err
		}
		cmd.Arg, err = p.parenStr("version")
	default:
		err = p.errorf(p.peek(), "expected DATABASE or TABLE")
	}
	return cmd, err
}

func (p *parser) desc() (cmd Command, err error) {
	if p.leadingKeyword("database") {
		cmd.Kind = KindDescDatabase
		cmd.Database, err = p.ident("database name")
		return cmd, err
	}
	p.leadingKeyword("table")
	cmd.Kind = KindDescTable
	cmd.Database, cmd.Table, err = p.tableRef()
	return cmd, err
}

func (p *parser) load() (cmd Command, err error) {
	cmd.Kind = KindLoadData
	if err = p.expectKeywords("data"); err != nil {
		return cmd, err
	}
	if cmd.Arg, err = p.str("source"); err != nil {
		return cmd, err
	}
	if err = p.expectKeywords("into", "table"); err != nil {
		return cmd, err
	}
	if cmd.Database, cmd.Table, err = p.tableRef(); err != nil {
		return cmd, err
	}
	if p.keyword("with") {
		if err = p.expectKeywords("properties"); err != nil {
			return cmd, err
		}
		cmd.Properties, err = p.properties()
	}
	return cmd, err
}

// properties reads ("key" = value, ...). Later keys override earlier ones.
func (p *parser) properties() (catalog.Properties, error) {
	if err := p.expect('('); err != nil {
		return nil, err
	}
	props := catalog.Properties{}
	if p.accept(')') {
		return props, nil
	}
	for {
		key, err := p.str("property name")
		if err != nil {
			return nil, err
		}
		if err := p.expect('='); err != nil {
			return nil, err
		}
		value, err := p.value()
		if err != nil {
			return nil, err
		}
		props[key] = value

		if p.accept(')') {
			return props, nil
		}
		if err := p.expect(','); err != nil {
			return nil, err
		}
	}
}

// isDecimal reports whether s holds only the digits 0-9. The scanner also
// accepts Go's 0x, 0o, 0b and 1_000 forms.
func isDecimal(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

// value reads a typed literal: string, integer, float or boolean.
func (p *parser) value() (any, error) {
	t := p.peek()
	switch {
	case t.kind == scanner.String:
		return p.str("value")
	case isKeyword(t, "true"):
		p.i++
		return true, nil
	case isKeyword(t, "false"):
		p.i++
		return false, nil
	}

	sign := ""
	if t.kind == '-' || t.kind == '+' {
		p.i++
		if t.kind == '-' {
			sign = "-"
		}
		t = p.peek()
	}
	switch t.kind {
	case scanner.Int:
		p.i++
		if !isDecimal(t.text) {
			return nil, p.errorf(t, "integers must be written in decimal digits")
		}
		n, err := strconv.ParseInt(sign+t.text, 10, 64)
		if err != nil {
			return nil, p.errorf(t, "integer out of range")
		}
		return n, nil
	case scanner.Float:
		p.i++
		f, err := strconv.ParseFloat(sign+t.text, 64)
		if err != nil {
			return nil, p.errorf(t, "invalid number")
		}
		return f, nil
	}
	return nil, p.errorf(t, "expected a string, number or boolean")
}
