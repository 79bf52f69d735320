// Package domain define contratos e tipos de domínio do gate de admissão.
//
// Este pacote não depende de net/http nem de implementações concretas.
// Identidade do cliente, política (limite, janela), resolução de política e
// o resultado da decisão vivem aqui, como funções puras.
package domain
