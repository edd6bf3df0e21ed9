package router

import (
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v5"
)

// classifyStmt inspects one parsed statement's AST and determines its
// target table, read/write intent, and (if present) an equality
// predicate on that table's sharding key column.
func classifyStmt(node *pg_query.Node, shardedTables map[string]string) (Decision, error) {
	switch n := node.Node.(type) {
	case *pg_query.Node_SelectStmt:
		return classifySelect(n.SelectStmt, shardedTables), nil

	case *pg_query.Node_InsertStmt:
		return classifyInsert(n.InsertStmt, shardedTables), nil

	case *pg_query.Node_UpdateStmt:
		s := n.UpdateStmt
		table := rangeVarName(s.Relation)
		d := Decision{Intent: IntentWrite, Table: table}
		if col, ok := shardedTables[strings.ToLower(table)]; ok {
			if v, found := extractEquality(s.WhereClause, col); found {
				d.shardKeyValue = v
			}
		}
		return d, nil

	case *pg_query.Node_DeleteStmt:
		s := n.DeleteStmt
		table := rangeVarName(s.Relation)
		d := Decision{Intent: IntentWrite, Table: table}
		if col, ok := shardedTables[strings.ToLower(table)]; ok {
			if v, found := extractEquality(s.WhereClause, col); found {
				d.shardKeyValue = v
			}
		}
		return d, nil

	case *pg_query.Node_TransactionStmt:
		return Decision{IsControl: true, Scope: ScopeAll}, nil

	case *pg_query.Node_VariableSetStmt, *pg_query.Node_VariableShowStmt:
		return Decision{IsControl: true, Scope: ScopeAll}, nil

	case *pg_query.Node_CopyStmt:
		table := rangeVarName(n.CopyStmt.Relation)
		return Decision{Intent: IntentWrite, Table: table}, nil

	default:
		// DDL, GRANT, VACUUM, and anything else this router doesn't
		// specialize: treat as a write that must reach every shard, the
		// safe default for statements with unknown semantics.
		return Decision{Intent: IntentWrite, Scope: ScopeAll, IsControl: false}, nil
	}
}

func classifySelect(s *pg_query.SelectStmt, shardedTables map[string]string) Decision {
	table := ""
	for _, f := range s.FromClause {
		if rv, ok := f.Node.(*pg_query.Node_RangeVar); ok {
			table = rv.RangeVar.Relname
			break
		}
	}
	d := Decision{Intent: IntentRead, Table: table}
	if table == "" {
		return d
	}
	if col, ok := shardedTables[strings.ToLower(table)]; ok {
		if v, found := extractEquality(s.WhereClause, col); found {
			d.shardKeyValue = v
		}
	}
	return d
}

func classifyInsert(s *pg_query.InsertStmt, shardedTables map[string]string) Decision {
	table := rangeVarName(s.Relation)
	d := Decision{Intent: IntentWrite, Table: table}

	col, ok := shardedTables[strings.ToLower(table)]
	if !ok || s.SelectStmt == nil {
		return d
	}
	sel, ok := s.SelectStmt.Node.(*pg_query.Node_SelectStmt)
	if !ok {
		return d
	}

	// Match the sharding column's position in the insert column list
	// against the corresponding VALUES literal.
	colIdx := -1
	for i, c := range s.Cols {
		if rt, ok := c.Node.(*pg_query.Node_ResTarget); ok && strings.EqualFold(rt.ResTarget.Name, col) {
			colIdx = i
			break
		}
	}
	if colIdx < 0 || len(sel.SelectStmt.ValuesLists) == 0 {
		return d
	}
	row := sel.SelectStmt.ValuesLists[0]
	if list, ok := row.Node.(*pg_query.Node_List); ok && colIdx < len(list.List.Items) {
		if v, ok := constText(list.List.Items[colIdx]); ok {
			d.shardKeyValue = v
		}
	}
	return d
}

func rangeVarName(rv *pg_query.RangeVar) string {
	if rv == nil {
		return ""
	}
	return rv.Relname
}

// extractEquality walks a WHERE clause looking for a "<col> = <const>"
// predicate, descending through AND-connected BoolExpr nodes. Only a
// single scalar literal is extracted: "<col> IN (...)" lists and
// "<col> = ANY(...)" arrays are not recognised. OR branches and anything
// that isn't a simple equality are treated as "not found", which routes
// conservatively to every shard.
func extractEquality(node *pg_query.Node, col string) (string, bool) {
	if node == nil {
		return "", false
	}
	switch n := node.Node.(type) {
	case *pg_query.Node_BoolExpr:
		if n.BoolExpr.Boolop != pg_query.BoolExprType_AND_EXPR {
			return "", false
		}
		for _, arg := range n.BoolExpr.Args {
			if v, ok := extractEquality(arg, col); ok {
				return v, true
			}
		}
		return "", false

	case *pg_query.Node_AExpr:
		ae := n.AExpr
		if ae.Kind != pg_query.A_Expr_Kind_AEXPR_OP {
			return "", false
		}
		if len(ae.Name) != 1 {
			return "", false
		}
		opName, _ := constText(ae.Name[0])
		if opName != "=" {
			return "", false
		}
		if isColumnRef(ae.Lexpr, col) {
			return constText(ae.Rexpr)
		}
		if isColumnRef(ae.Rexpr, col) {
			return constText(ae.Lexpr)
		}
		return "", false

	default:
		return "", false
	}
}

func isColumnRef(node *pg_query.Node, col string) bool {
	if node == nil {
		return false
	}
	cr, ok := node.Node.(*pg_query.Node_ColumnRef)
	if !ok {
		return false
	}
	for _, f := range cr.ColumnRef.Fields {
		if s, ok := f.Node.(*pg_query.Node_String_); ok && strings.EqualFold(s.String_.Sval, col) {
			return true
		}
	}
	return false
}

// constText returns a constant's textual value for hashing purposes.
// Only scalar literals are supported; expressions, subqueries and
// function calls yield ok=false so the caller falls back to fan-out.
func constText(node *pg_query.Node) (string, bool) {
	if node == nil {
		return "", false
	}
	switch n := node.Node.(type) {
	case *pg_query.Node_AConst:
		switch v := n.AConst.Val.(type) {
		case *pg_query.A_Const_Ival:
			return int64ToString(v.Ival.Ival), true
		case *pg_query.A_Const_Fval:
			return v.Fval.Fval, true
		case *pg_query.A_Const_Sval:
			return v.Sval.Sval, true
		case *pg_query.A_Const_Boolval:
			return boolToString(v.Boolval.Boolval), true
		}
		return "", false
	case *pg_query.Node_String_:
		return n.String_.Sval, true
	case *pg_query.Node_Integer:
		return int64ToString(int64(n.Integer.Ival)), true
	default:
		return "", false
	}
}

func int64ToString(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func boolToString(b bool) string {
	if b {
		return "t"
	}
	return "f"
}
