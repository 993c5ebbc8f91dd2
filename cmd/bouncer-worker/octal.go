package main

import "fmt"

func fmtOctal(v int) string { return fmt.Sprintf("%04o", v) }
