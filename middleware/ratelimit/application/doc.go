// Package application contém o caso de uso do gate de admissão.
//
// Ele depende apenas do pacote domain e não conhece net/http.
// Ex.: Gate.Admit(ctx, req) retorna uma Decision (admitted/rejected/store_error/exempt).
package application
