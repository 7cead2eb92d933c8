package condition

import "testing"

func TestEvalEquality(t *testing.T) {
	env := Env{JobStatus: map[string]string{"build": "SUCCESS"}}
	ok, err := Eval(`${{ jobs.build.status == "SUCCESS" }}`, env)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected true")
	}
}

func TestEvalInequality(t *testing.T) {
	env := Env{JobStatus: map[string]string{"build": "FAILED"}}
	ok, err := Eval(`jobs.build.status != "SUCCESS"`, env)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected true")
	}
}

func TestEvalAndOrNot(t *testing.T) {
	env := Env{JobStatus: map[string]string{"a": "SUCCESS", "b": "FAILED"}}
	ok, err := Eval(`jobs.a.status == "SUCCESS" and not jobs.b.status == "SUCCESS"`, env)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected true")
	}
}

func TestEvalMissingVariableDefaultsFalse(t *testing.T) {
	env := Env{}
	ok, err := Eval(`jobs.missing.status == "SUCCESS"`, env)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected false for missing variable reference")
	}
}

func TestEvalEnvVar(t *testing.T) {
	env := Env{Vars: map[string]string{"STAGE": "prod"}}
	ok, err := Eval(`env.STAGE == "prod"`, env)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected true")
	}
}

func TestEvalEmptyExpressionIsTrue(t *testing.T) {
	ok, err := Eval("", Env{})
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected empty condition to default true")
	}
}

func TestEvalRejectsUnrecognizedIdentifier(t *testing.T) {
	_, err := Eval(`system("rm -rf /") == "SUCCESS"`, Env{})
	if err == nil {
		t.Fatal("expected rejection of a non-grammar identifier")
	}
}

func TestEvalParenthesesAndPrecedence(t *testing.T) {
	env := Env{JobStatus: map[string]string{"a": "SUCCESS", "b": "SUCCESS", "c": "FAILED"}}
	ok, err := Eval(`(jobs.a.status == "SUCCESS" or jobs.c.status == "SUCCESS") and jobs.b.status == "SUCCESS"`, env)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected true")
	}
}
